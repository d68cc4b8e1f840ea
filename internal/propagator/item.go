package propagator

import (
	"time"
)

// Status is the outcome of one file's propagation.
type Status int

const (
	NoStatus Status = iota
	Success
	SoftError   // retry the whole file on a later pass
	NormalError // per-file error that needs attention, blacklisted
	FatalError  // stops the sync run, blacklisted
	DetailError // server side limit such as quota, blacklisted
	Restoration // edit to a read-only share, local copy is restored
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case SoftError:
		return "soft-error"
	case NormalError:
		return "error"
	case FatalError:
		return "fatal-error"
	case DetailError:
		return "detail-error"
	case Restoration:
		return "restoration"
	default:
		return "none"
	}
}

// Blacklisted reports whether a failure with this status goes into the error blacklist.
func (s Status) Blacklisted() bool {
	return s == NormalError || s == FatalError || s == DetailError
}

// SyncFileItem describes one file to upload plus the outcome of the attempt.
// The job owns the item until its Done channel is closed.
type SyncFileItem struct {
	// Path is relative to the sync root, slash separated.
	Path    string
	Size    int64
	ModTime time.Time

	// Known remote state. FileID must not change once set.
	FileID string
	ETag   string
	IsNew  bool

	InSharedDirectory          bool
	HasBlacklistEntry          bool
	TransmissionChecksumHeader string

	// Outcome, overwritten by every request.
	HTTPStatus        int
	ResponseTimestamp time.Time
	Status            Status
	ErrorString       string
}
