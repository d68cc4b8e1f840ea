package propagator

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
	"os"
	"strings"
)

const (
	ChecksumSHA1    = "SHA1"
	ChecksumMD5     = "MD5"
	ChecksumAdler32 = "Adler32"
)

var ErrUnknownChecksum = errors.New("propagator: unknown checksum type")

func newChecksumHash(checksumType string) (hash.Hash, error) {
	switch strings.ToUpper(checksumType) {
	case strings.ToUpper(ChecksumSHA1):
		return sha1.New(), nil
	case strings.ToUpper(ChecksumMD5):
		return md5.New(), nil
	case strings.ToUpper(ChecksumAdler32):
		return adler32.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChecksum, checksumType)
	}
}

// ComputeTransmissionChecksum hashes the file and formats it as the OC-Checksum header value.
// An empty checksumType yields an empty header.
func ComputeTransmissionChecksum(path, checksumType string) (string, error) {
	if checksumType == "" {
		return "", nil
	}

	h, err := newChecksumHash(checksumType)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}

	return canonicalChecksumType(checksumType) + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalChecksumType(checksumType string) string {
	for _, t := range []string{ChecksumSHA1, ChecksumMD5, ChecksumAdler32} {
		if strings.EqualFold(t, checksumType) {
			return t
		}
	}
	return checksumType
}
