package propagator

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/davsync/internal/davsdk"
)

// classifyError maps a failed request to a file status.
func classifyError(err error, httpStatus int) (status Status, anotherSyncNeeded bool) {
	var replyErr *davsdk.ReplyError
	if !errors.As(err, &replyErr) {
		// no reply at all: dns, refused connection, reset stream
		return NormalError, false
	}

	switch httpStatus {
	case http.StatusServiceUnavailable:
		// maintenance stops the whole run so the server is not flooded
		if replyErr.Maintenance() {
			return FatalError, false
		}
		return NormalError, false
	case http.StatusPreconditionFailed:
		// etag changed on the server
		return SoftError, true
	case http.StatusLocked:
		return SoftError, true
	default:
		return NormalError, false
	}
}

// commonErrorHandling handles a failed PUT. Callers hold mu.
func (j *UploadFileJob) commonErrorHandling(err error) {
	httpStatus := j.item.HTTPStatus
	errorString := err.Error()

	var replyErr *davsdk.ReplyError
	if errors.As(err, &replyErr) {
		slog.Debug("upload error reply", "path", j.item.Path, "status", httpStatus, "body", string(replyErr.Body))
		if replyErr.Message != "" {
			errorString = fmt.Sprintf("%s (%d)", replyErr.Message, httpStatus)
		}
	}

	if httpStatus == http.StatusPreconditionFailed {
		j.p.anotherSyncNeeded.Store(true)
	}

	j.checkResettingErrors()

	status, another := classifyError(err, httpStatus)
	if another {
		j.p.anotherSyncNeeded.Store(true)
	}

	if httpStatus == http.StatusInsufficientStorage {
		status = DetailError
		errorString = fmt.Sprintf("Upload of %s exceeds the quota for the folder", humanize.IBytes(uint64(max(j.item.Size, 0))))
	}

	j.abortWithError(status, errorString)
}

// checkResettingErrors counts errors that, repeated, mean the transfer must start over.
func (j *UploadFileJob) checkResettingErrors() {
	httpStatus := j.item.HTTPStatus
	if !j.p.isResettingError(httpStatus) {
		return
	}

	info, err := j.p.journal.GetUploadInfo(j.item.Path)
	if err != nil {
		slog.Warn("read upload info failed", "path", j.item.Path, "error", err)
		return
	}

	info.ErrorCount++
	if int(info.ErrorCount) > j.p.maxResettingErrors {
		slog.Info("upload", "op", "RESET", "path", j.item.Path, "status", httpStatus, "errors", info.ErrorCount)
		info.Valid = false
	} else {
		slog.Info("upload", "op", "ERROR_COUNT", "path", j.item.Path, "status", httpStatus, "errors", info.ErrorCount)
	}

	if err := j.p.journal.SetUploadInfo(j.item.Path, info); err != nil {
		slog.Warn("write upload info failed", "path", j.item.Path, "error", err)
		return
	}
	if err := j.p.journal.Commit("Upload info"); err != nil {
		slog.Warn("commit upload info failed", "path", j.item.Path, "error", err)
	}
}

// checkForProblemsWithShared turns a 403 on a file inside a share into a restoration.
func (j *UploadFileJob) checkForProblemsWithShared(httpStatus int, msg string) bool {
	if httpStatus != http.StatusForbidden || !j.item.InSharedDirectory {
		return false
	}

	slog.Info("upload", "op", "RESTORE", "path", j.item.Path, "reason", "read only share")
	j.p.anotherSyncNeeded.Store(true)
	j.done(Restoration, msg)
	return true
}

func pollErrorString(err error) string {
	var replyErr *davsdk.ReplyError
	if errors.As(err, &replyErr) && replyErr.Message != "" {
		return strings.TrimSpace(replyErr.Message)
	}
	return err.Error()
}
