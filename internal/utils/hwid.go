package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/denisbrodbeck/machineid"
)

const hwidAppID = "davsync"

// HWID is an app-scoped, hashed machine identifier. It falls back to a hash of the
// hostname on platforms where the machine id cannot be read (containers, CI).
var HWID = resolveHWID()

func resolveHWID() string {
	if id, err := machineid.ProtectedID(hwidAppID); err == nil && id != "" {
		return id
	}

	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(hwidAppID + "|" + host))
	return hex.EncodeToString(sum[:])
}
