package propagator

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/davsync/internal/bandwidth"
	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/journal"
)

const (
	DefaultPollInterval       = 5 * time.Second
	DefaultMaxResettingErrors = 3
)

var (
	ErrNoJournal  = errors.New("propagator: journal missing")
	ErrNoUploader = errors.New("propagator: uploader missing")
)

// DefaultResettingErrorCodes are statuses that, repeated, restart a transfer from scratch.
// 412 is always resetting.
var DefaultResettingErrorCodes = []int{500}

// Journal is the part of the sync journal the upload path reads and writes.
// Writes become durable on Commit; reads observe uncommitted writes.
type Journal interface {
	GetUploadInfo(path string) (*journal.UploadInfo, error)
	SetUploadInfo(path string, info *journal.UploadInfo) error
	SetPollInfo(info *journal.PollInfo) error
	PollInfos() ([]*journal.PollInfo, error)
	ErrorBlacklistEntry(path string) (*journal.BlacklistEntry, error)
	SetErrorBlacklistEntry(entry *journal.BlacklistEntry) error
	WipeErrorBlacklistEntry(path string) error
	SetFileRecord(rec *journal.FileRecord) error
	Commit(reason string) error
}

// Uploader issues the network requests. Satisfied by *davsdk.Client.
type Uploader interface {
	Put(ctx context.Context, params *davsdk.PutParams) (*davsdk.Reply, error)
	Poll(ctx context.Context, pollURL string) (*davsdk.PollStatus, *davsdk.Reply, error)
}

type Options struct {
	Journal     Journal
	Uploader    Uploader
	Bandwidth   *bandwidth.Manager
	FileSystem  FileSystem
	Progress    ProgressReporter
	TransferIDs TransferIDSource

	LocalDir     string // sync root on disk
	RemoteFolder string // sync root on the server, relative to the DAV root
	AsyncUpload  bool

	PollInterval        time.Duration
	MaxResettingErrors  int
	ResettingErrorCodes []int

	// OnItemCompleted is called exactly once per started item.
	OnItemCompleted func(item *SyncFileItem)
	Now             func() time.Time
}

// Propagator holds the state shared by all upload jobs of one sync run.
type Propagator struct {
	journal     Journal
	uploader    Uploader
	bandwidth   *bandwidth.Manager
	fs          FileSystem
	progress    ProgressReporter
	transferIDs TransferIDSource

	localDir     string
	remoteFolder string
	asyncUpload  bool

	pollInterval        time.Duration
	maxResettingErrors  int
	resettingErrorCodes mapset.Set[int]

	onItemCompleted func(item *SyncFileItem)
	now             func() time.Time

	abortRequested    atomic.Bool
	anotherSyncNeeded atomic.Bool
	seenLockedFiles   mapset.Set[string]
	jobs              mapset.Set[*UploadFileJob]
	activeRequests    atomic.Int32
}

func New(opts *Options) (*Propagator, error) {
	if opts.Journal == nil {
		return nil, ErrNoJournal
	}
	if opts.Uploader == nil {
		return nil, ErrNoUploader
	}

	p := &Propagator{
		journal:             opts.Journal,
		uploader:            opts.Uploader,
		bandwidth:           opts.Bandwidth,
		fs:                  opts.FileSystem,
		progress:            opts.Progress,
		transferIDs:         opts.TransferIDs,
		localDir:            opts.LocalDir,
		remoteFolder:        opts.RemoteFolder,
		asyncUpload:         opts.AsyncUpload,
		pollInterval:        opts.PollInterval,
		maxResettingErrors:  opts.MaxResettingErrors,
		resettingErrorCodes: mapset.NewSet(opts.ResettingErrorCodes...),
		onItemCompleted:     opts.OnItemCompleted,
		now:                 opts.Now,
		seenLockedFiles:     mapset.NewSet[string](),
		jobs:                mapset.NewSet[*UploadFileJob](),
	}

	if p.bandwidth == nil {
		p.bandwidth = bandwidth.NewManager(0)
	}
	if p.fs == nil {
		p.fs = LocalFS{}
	}
	if p.progress == nil {
		p.progress = NewProgressTracker()
	}
	if p.transferIDs == nil {
		p.transferIDs = NewTransferIDSource()
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.maxResettingErrors <= 0 {
		p.maxResettingErrors = DefaultMaxResettingErrors
	}
	if opts.ResettingErrorCodes == nil {
		p.resettingErrorCodes = mapset.NewSet(DefaultResettingErrorCodes...)
	}
	if p.now == nil {
		p.now = time.Now
	}

	return p, nil
}

// UploadFile creates and starts an upload job for item.
func (p *Propagator) UploadFile(ctx context.Context, item *SyncFileItem) *UploadFileJob {
	job := newUploadFileJob(p, item)
	job.Start(ctx)
	return job
}

// Abort stops all running jobs. Jobs report SoftError "Aborted"; no new request is started.
func (p *Propagator) Abort() {
	if !p.abortRequested.CompareAndSwap(false, true) {
		return
	}
	slog.Info("upload", "op", "ABORT", "jobs", p.jobs.Cardinality())

	// snapshot so job completion can remove itself from the set
	for _, job := range p.jobs.ToSlice() {
		job.Abort()
	}
}

func (p *Propagator) AbortRequested() bool { return p.abortRequested.Load() }

// AnotherSyncNeeded reports whether some job saw local changes that need another pass.
func (p *Propagator) AnotherSyncNeeded() bool { return p.anotherSyncNeeded.Load() }

// SeenLockedFiles lists local paths that could not be uploaded because they were locked.
func (p *Propagator) SeenLockedFiles() []string { return p.seenLockedFiles.ToSlice() }

// ActiveJobs is the number of jobs not yet done.
func (p *Propagator) ActiveJobs() int { return p.jobs.Cardinality() }

// ActiveRequests is the number of network requests currently in flight.
func (p *Propagator) ActiveRequests() int { return int(p.activeRequests.Load()) }

// LocalPath maps an item path to its location on disk.
func (p *Propagator) LocalPath(itemPath string) string {
	return filepath.Join(p.localDir, filepath.FromSlash(itemPath))
}

// RemotePath maps an item path to its location below the DAV root.
func (p *Propagator) RemotePath(itemPath string) string {
	return path.Join("/", p.remoteFolder, itemPath)
}

func (p *Propagator) seenLockedFile(localPath string) {
	slog.Info("upload", "op", "LOCKED", "path", localPath)
	p.seenLockedFiles.Add(localPath)
}

func (p *Propagator) reportProgress(item *SyncFileItem, sent int64) {
	p.progress.ReportProgress(item, sent)
}

func (p *Propagator) isResettingError(status int) bool {
	return status == 412 || p.resettingErrorCodes.Contains(status)
}

// itemCompleted records the outcome in the error blacklist and notifies the caller.
// A FatalError aborts every other job of the run.
func (p *Propagator) itemCompleted(item *SyncFileItem) {
	if item.Status.Blacklisted() {
		p.blacklistUpdate(item)
	}
	if item.Status == FatalError {
		p.Abort()
	}
	if p.onItemCompleted != nil {
		p.onItemCompleted(item)
	}
}

func (p *Propagator) blacklistUpdate(item *SyncFileItem) {
	old, err := p.journal.ErrorBlacklistEntry(item.Path)
	if err != nil {
		slog.Warn("blacklist lookup failed", "path", item.Path, "error", err)
		return
	}

	entry := journal.NextBlacklistEntry(old, item.Path, item.ETag, item.ModTime, p.now(), item.ErrorString)
	if err := p.journal.SetErrorBlacklistEntry(entry); err != nil {
		slog.Warn("blacklist update failed", "path", item.Path, "error", err)
		return
	}
	if err := p.journal.Commit("blacklist"); err != nil {
		slog.Warn("blacklist commit failed", "path", item.Path, "error", err)
		return
	}
	item.HasBlacklistEntry = true
	slog.Info("upload", "op", "BLACKLIST", "path", item.Path, "retries", entry.RetryCount, "ignore", entry.IgnoreDuration)
}
