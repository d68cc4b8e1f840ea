package journal

import "time"

// UploadInfo is the resume record of one file's in-progress upload.
// A zero value (Valid=false) means there is nothing to resume.
type UploadInfo struct {
	Path       string
	Valid      bool
	Chunk      uint64 // next chunk to send; always 0 for single-request uploads
	TransferID uint64
	Size       int64
	ModTime    time.Time
	ErrorCount uint32
}

// Matches reports whether the record was written for the same file version.
func (u *UploadInfo) Matches(modTime time.Time) bool {
	return u != nil && u.Valid && u.ModTime.Equal(modTime)
}

// PollInfo remembers a deferred upload whose completion must be polled.
// An empty URL deletes the record.
type PollInfo struct {
	Path    string
	ModTime time.Time
	URL     string
}

// FileRecord is the last known synced state of a file.
type FileRecord struct {
	Path    string
	ETag    string
	FileID  string
	Size    int64
	ModTime time.Time
}

// BlacklistEntry tracks repeated failures of a file so it is not retried in a tight loop.
type BlacklistEntry struct {
	Path           string
	LastTryETag    string
	LastTryModTime time.Time
	LastTryTime    time.Time
	RetryCount     int
	ErrorString    string
	IgnoreDuration time.Duration
}

const (
	minBlacklistTime = 25 * time.Second
	maxBlacklistTime = 24 * time.Hour
	blacklistGrowth  = 5
)

// NextBlacklistEntry derives the entry for a new failure from the previous one (which may be nil).
func NextBlacklistEntry(old *BlacklistEntry, path, etag string, modTime, now time.Time, errStr string) *BlacklistEntry {
	entry := &BlacklistEntry{
		Path:           path,
		LastTryETag:    etag,
		LastTryModTime: modTime,
		LastTryTime:    now,
		RetryCount:     1,
		ErrorString:    errStr,
		IgnoreDuration: minBlacklistTime,
	}
	if old != nil {
		entry.RetryCount = old.RetryCount + 1
		entry.IgnoreDuration = min(max(old.IgnoreDuration*blacklistGrowth, minBlacklistTime), maxBlacklistTime)
	}
	return entry
}

// Active reports whether the file should still be skipped. A changed local file
// always gets a fresh attempt.
func (b *BlacklistEntry) Active(modTime, now time.Time) bool {
	if b == nil {
		return false
	}
	if !b.LastTryModTime.Equal(modTime) {
		return false
	}
	return now.Before(b.LastTryTime.Add(b.IgnoreDuration))
}
