package propagator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/openmined/davsync/internal/bandwidth"
	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/journal"
)

const (
	msgAborted          = "Aborted"
	msgPollURLMissing   = "Poll URL missing"
	msgFileRemoved      = "The local file was removed during sync."
	msgFileChanged      = "Local file changed during sync."
	msgReadOnlyShare    = "The file was edited locally but is part of a read only share. It is restored and your edit is in the conflict file."
	msgMetadataDBFailed = "Error writing metadata to the database"
)

// UploadFileJob uploads one file with whole-file PUT requests.
//
// Every reply is handled by onPutFinished under mu. Once the job is finished, later replies
// are dropped, and done fires at most once.
type UploadFileJob struct {
	p    *Propagator
	item *SyncFileItem

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex // serializes reply handling
	transferID uint64

	finished  atomic.Bool
	doneFired atomic.Bool
	doneCh    chan struct{}
	device    atomic.Pointer[bandwidth.UploadDevice]
}

func newUploadFileJob(p *Propagator, item *SyncFileItem) *UploadFileJob {
	return &UploadFileJob{
		p:      p,
		item:   item,
		doneCh: make(chan struct{}),
	}
}

func (j *UploadFileJob) Item() *SyncFileItem { return j.item }

// Done is closed once the job has reported its outcome.
func (j *UploadFileJob) Done() <-chan struct{} { return j.doneCh }

// Wait blocks until the job is done and returns its outcome.
func (j *UploadFileJob) Wait() Status {
	<-j.doneCh
	return j.item.Status
}

// TransferID is the id correlating the requests of this upload.
func (j *UploadFileJob) TransferID() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transferID
}

// Start begins the upload. It returns immediately; use Done or Wait for the outcome.
func (j *UploadFileJob) Start(ctx context.Context) {
	if !j.register(ctx) {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.doStartUpload()
}

// resumePoll continues a deferred upload of an earlier run at its poll location.
func (j *UploadFileJob) resumePoll(ctx context.Context, pollURL string) {
	if !j.register(ctx) {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	slog.Info("upload", "op", "POLL_RESUME", "path", j.item.Path, "url", pollURL)
	j.finished.Store(true)
	j.startPollJob(pollURL)
}

// register adds the job to the run. It is false when the run is already aborted.
func (j *UploadFileJob) register(ctx context.Context) bool {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.p.jobs.Add(j)

	// Abort may have run between its snapshot and our registration
	if j.p.AbortRequested() {
		j.Abort()
		return false
	}
	return true
}

func (j *UploadFileJob) doStartUpload() {
	info, err := j.p.journal.GetUploadInfo(j.item.Path)
	if err != nil {
		j.abortWithError(FatalError, fmt.Sprintf("%s: %v", msgMetadataDBFailed, err))
		return
	}
	if info.Matches(j.item.ModTime) {
		j.transferID = info.TransferID
		slog.Info("upload", "op", "RESUME", "path", j.item.Path, "transferId", j.transferID)
	} else {
		j.transferID = newTransferID(j.p.transferIDs, j.item.ModTime, j.item.Size)
	}

	j.p.reportProgress(j.item, 0)
	j.startUpload()
}

// startUpload issues one PUT of the whole file. Callers hold mu.
func (j *UploadFileJob) startUpload() {
	if j.p.AbortRequested() || j.finished.Load() {
		return
	}

	localPath := j.p.LocalPath(j.item.Path)
	dev, err := j.openDevice(localPath)
	if err != nil {
		slog.Warn("could not prepare upload device", "path", j.item.Path, "error", err)

		// retried on the next sync once the file becomes available
		if j.p.fs.IsFileLocked(localPath) {
			j.p.seenLockedFile(localPath)
		}
		j.abortWithError(SoftError, err.Error())
		return
	}
	dev.SetProgressFunc(j.onUploadProgress)

	params := &davsdk.PutParams{
		RemotePath: j.p.RemotePath(j.item.Path),
		Body:       dev,
		Size:       j.item.Size,
		ModTime:    j.item.ModTime,
		Async:      j.p.asyncUpload,
	}
	if !j.item.IsNew {
		params.IfMatch = j.item.ETag
	}
	if j.item.TransmissionChecksumHeader != "" {
		slog.Info("upload", "op", "CHECKSUM", "path", params.RemotePath, "checksum", j.item.TransmissionChecksumHeader)
		params.Checksum = j.item.TransmissionChecksumHeader
	}

	slog.Debug("upload", "op", "PUT", "path", j.item.Path, "size", j.item.Size, "transferId", j.transferID)

	j.device.Store(dev)
	j.p.activeRequests.Add(1)
	go func() {
		defer dev.Close()
		reply, err := j.p.uploader.Put(j.ctx, params)
		j.onPutFinished(dev, reply, err)
	}()
}

func (j *UploadFileJob) openDevice(localPath string) (*bandwidth.UploadDevice, error) {
	if j.p.fs.IsFileLocked(localPath) {
		return nil, fmt.Errorf("%s is locked by another process", localPath)
	}
	return bandwidth.Open(j.p.bandwidth, localPath, 0, j.item.Size)
}

func (j *UploadFileJob) onPutFinished(dev *bandwidth.UploadDevice, reply *davsdk.Reply, err error) {
	j.p.activeRequests.Add(-1)
	j.device.CompareAndSwap(dev, nil)

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.finished.Load() {
		// the outcome is already reported, a late reply changes nothing
		return
	}

	if reply != nil {
		j.item.HTTPStatus = reply.StatusCode
	} else {
		j.item.HTTPStatus = 0
	}

	if err != nil {
		if j.checkForProblemsWithShared(j.item.HTTPStatus, msgReadOnlyShare) {
			return
		}
		j.commonErrorHandling(err)
		return
	}

	// the server needs time to process the upload and hands out a poll url
	if reply.StatusCode == http.StatusAccepted {
		j.finished.Store(true)
		pollURL := reply.PollURL()
		if pollURL == "" {
			j.done(NormalError, msgPollURLMissing)
			return
		}
		j.startPollJob(pollURL)
		return
	}

	etag := reply.ETag()
	finished := etag != ""

	localPath := j.p.LocalPath(j.item.Path)
	if !j.p.fs.FileExists(localPath) {
		if !finished {
			j.abortWithError(SoftError, msgFileRemoved)
			return
		}
		j.p.anotherSyncNeeded.Store(true)
	}

	if !j.p.fs.VerifyFileUnchanged(localPath, j.item.Size, j.item.ModTime) {
		j.p.anotherSyncNeeded.Store(true)
		if !finished {
			j.abortWithError(SoftError, msgFileChanged)
			return
		}
	}

	if !finished {
		j.continueUpload()
		return
	}

	j.finished.Store(true)

	// the file id is only empty for new files
	if fid := reply.FileID(); fid != "" {
		if j.item.FileID != "" && j.item.FileID != fid {
			slog.Warn("file id changed", "path", j.item.Path, "old", j.item.FileID, "new", fid)
		}
		j.item.FileID = fid
	}
	j.item.ETag = etag
	j.item.ResponseTimestamp = reply.Timestamp

	if !reply.MtimeAccepted() {
		slog.Warn("server did not accept X-OC-Mtime", "path", j.item.Path, "header", reply.Header.Get(davsdk.HeaderOCMtime))
	}

	j.finalize()
}

// continueUpload persists the resume record of an intermediate round and sends the file again.
func (j *UploadFileJob) continueUpload() {
	if j.item.HasBlacklistEntry {
		if err := j.p.journal.WipeErrorBlacklistEntry(j.item.Path); err != nil {
			slog.Warn("wipe blacklist entry failed", "path", j.item.Path, "error", err)
		}
		j.item.HasBlacklistEntry = false
	}

	info := &journal.UploadInfo{
		Path:       j.item.Path,
		Valid:      true,
		Chunk:      0,
		TransferID: j.transferID,
		Size:       j.item.Size,
		ModTime:    j.item.ModTime,
		ErrorCount: 0,
	}
	if err := j.p.journal.SetUploadInfo(j.item.Path, info); err != nil {
		j.abortWithError(FatalError, fmt.Sprintf("%s: %v", msgMetadataDBFailed, err))
		return
	}
	if err := j.p.journal.Commit("Upload info"); err != nil {
		j.abortWithError(FatalError, fmt.Sprintf("%s: %v", msgMetadataDBFailed, err))
		return
	}

	j.startUpload()
}

// finalize records the synced state and reports success.
func (j *UploadFileJob) finalize() {
	err := j.p.journal.SetFileRecord(&journal.FileRecord{
		Path:    j.item.Path,
		ETag:    j.item.ETag,
		FileID:  j.item.FileID,
		Size:    j.item.Size,
		ModTime: j.item.ModTime,
	})
	if err == nil {
		err = j.p.journal.SetUploadInfo(j.item.Path, nil)
	}
	if err == nil {
		err = j.p.journal.WipeErrorBlacklistEntry(j.item.Path)
	}
	if err == nil {
		err = j.p.journal.SetPollInfo(&journal.PollInfo{Path: j.item.Path})
	}
	if err == nil {
		err = j.p.journal.Commit("upload file")
	}
	if err != nil {
		j.done(FatalError, fmt.Sprintf("%s: %v", msgMetadataDBFailed, err))
		return
	}

	j.item.HasBlacklistEntry = false
	slog.Info("upload", "op", "DONE", "path", j.item.Path, "etag", j.item.ETag, "fileId", j.item.FileID)
	j.done(Success, "")
}

// onUploadProgress forwards progress. (0, 0) marks completion and would reset the display.
func (j *UploadFileJob) onUploadProgress(sent, total int64) {
	if sent == 0 && total == 0 {
		return
	}
	j.p.reportProgress(j.item, sent)
}

// Abort stops the job: the running request's stream fails mid-read and its reply is dropped.
func (j *UploadFileJob) Abort() {
	if dev := j.device.Load(); dev != nil {
		dev.Abort()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.done(SoftError, msgAborted)
}

func (j *UploadFileJob) abortWithError(status Status, msg string) {
	if dev := j.device.Load(); dev != nil {
		dev.Abort()
	}
	j.done(status, msg)
}

// done reports the outcome. Only the first call has an effect.
func (j *UploadFileJob) done(status Status, msg string) {
	if !j.doneFired.CompareAndSwap(false, true) {
		return
	}
	j.finished.Store(true)

	j.item.Status = status
	j.item.ErrorString = msg

	switch status {
	case Success:
	case SoftError, Restoration:
		slog.Warn("upload", "op", "FAILED", "path", j.item.Path, "status", status, "error", msg)
	default:
		slog.Error("upload", "op", "FAILED", "path", j.item.Path, "status", status, "http", j.item.HTTPStatus, "error", msg)
	}

	if j.cancel != nil {
		j.cancel()
	}
	j.p.jobs.Remove(j)
	j.p.itemCompleted(j.item)
	close(j.doneCh)
}
