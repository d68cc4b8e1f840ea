package bandwidth

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// minBurst keeps tiny limits usable: a token bucket smaller than one read would stall forever.
const minBurst = 16 * 1024

// Manager is the upload budget shared by every open UploadDevice.
// All devices draw from one token bucket, so the aggregate rate stays under the limit
// no matter how many uploads run in parallel.
type Manager struct {
	mu      sync.Mutex
	limit   int64
	limiter *rate.Limiter // nil when unlimited
	devices map[*UploadDevice]struct{}
}

// NewManager creates a manager. bytesPerSecond <= 0 means unlimited.
func NewManager(bytesPerSecond int64) *Manager {
	m := &Manager{
		devices: make(map[*UploadDevice]struct{}),
	}
	m.SetUploadLimit(bytesPerSecond)
	return m
}

// SetUploadLimit changes the budget of all current and future devices.
func (m *Manager) SetUploadLimit(bytesPerSecond int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bytesPerSecond <= 0 {
		m.limit = 0
		m.limiter = nil
		return
	}

	m.limit = bytesPerSecond
	m.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(max(bytesPerSecond, minBurst)))
}

// UploadLimit returns the current limit in bytes per second, 0 when unlimited.
func (m *Manager) UploadLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

// ActiveDevices is the number of devices currently open.
func (m *Manager) ActiveDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

func (m *Manager) register(d *UploadDevice) {
	m.mu.Lock()
	m.devices[d] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) unregister(d *UploadDevice) {
	m.mu.Lock()
	delete(m.devices, d)
	m.mu.Unlock()
}

// reserve blocks until n bytes may be sent or ctx is done.
func (m *Manager) reserve(ctx context.Context, n int) error {
	m.mu.Lock()
	limiter := m.limiter
	m.mu.Unlock()

	if limiter == nil {
		return ctx.Err()
	}
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
