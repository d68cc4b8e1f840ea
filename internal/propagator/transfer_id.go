package propagator

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/openmined/davsync/internal/utils"
)

// TransferIDSource supplies the random part of new transfer ids.
type TransferIDSource interface {
	Uint64() uint64
}

type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Uint64()
}

// NewTransferIDSource seeds a generator with the machine id and the current time, so two
// clients syncing to the same server do not walk the same sequence.
func NewTransferIDSource() TransferIDSource {
	salt := sha256.Sum256([]byte(utils.HWID))
	return &lockedSource{
		rnd: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(salt[:8]),
			uint64(time.Now().UnixNano())^binary.LittleEndian.Uint64(salt[8:16]),
		)),
	}
}

// newTransferID mixes randomness with the file version.
func newTransferID(src TransferIDSource, modTime time.Time, size int64) uint64 {
	return src.Uint64() ^ uint64(modTime.Unix()) ^ (uint64(size) << 16)
}
