package propagator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/journal"
)

// pollOutcome is what the poll task hands back to its upload job.
type pollOutcome struct {
	status Status
	err    string
	etag   string
	fileID string
	reply  *davsdk.Reply
}

// ResumePolls picks up the deferred uploads an earlier run left in the journal. A record
// whose local file changed or vanished is dropped, the upload will be redone. Every other
// record gets a job that polls its location and finalizes like a fresh 202 reply would.
func (p *Propagator) ResumePolls(ctx context.Context) ([]*UploadFileJob, error) {
	infos, err := p.journal.PollInfos()
	if err != nil {
		return nil, err
	}

	var jobs []*UploadFileJob
	for _, info := range infos {
		fi, err := p.fs.Stat(p.LocalPath(info.Path))
		if err != nil || !fi.ModTime().Equal(info.ModTime) {
			slog.Info("upload", "op", "POLL_DROP", "path", info.Path, "reason", "local file changed")
			if err := p.journal.SetPollInfo(&journal.PollInfo{Path: info.Path}); err != nil {
				return jobs, err
			}
			if err := p.journal.Commit("remove poll info"); err != nil {
				return jobs, err
			}
			continue
		}

		item := &SyncFileItem{
			Path:    info.Path,
			Size:    fi.Size(),
			ModTime: info.ModTime,
		}
		job := newUploadFileJob(p, item)
		job.resumePoll(ctx, info.URL)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// startPollJob persists the poll location and polls it in the background. Callers hold mu.
func (j *UploadFileJob) startPollJob(pollURL string) {
	info := &journal.PollInfo{
		Path:    j.item.Path,
		ModTime: j.item.ModTime,
		URL:     pollURL,
	}
	if err := j.p.journal.SetPollInfo(info); err != nil {
		j.done(FatalError, fmt.Sprintf("%s: %v", msgMetadataDBFailed, err))
		return
	}
	if err := j.p.journal.Commit("add poll info"); err != nil {
		j.done(FatalError, fmt.Sprintf("%s: %v", msgMetadataDBFailed, err))
		return
	}

	slog.Info("upload", "op", "POLL", "path", j.item.Path, "url", pollURL)

	j.p.activeRequests.Add(1)
	go func() {
		out := j.poll(j.ctx, pollURL)
		j.onPollFinished(out)
	}()
}

// poll queries pollURL until the server reports a final state.
// Transport failures are retried after the poll interval.
func (j *UploadFileJob) poll(ctx context.Context, pollURL string) pollOutcome {
	for {
		st, reply, err := j.p.uploader.Poll(ctx, pollURL)
		switch {
		case ctx.Err() != nil:
			return pollOutcome{status: SoftError, err: msgAborted}

		case err != nil && reply == nil:
			slog.Warn("poll failed, retrying", "path", j.item.Path, "error", err)

		case err != nil:
			return j.pollFailed(reply, err)

		case st.Unfinished:
			slog.Debug("upload", "op", "POLL", "path", j.item.Path, "state", "unfinished")

		case st.Error != "":
			j.removePollInfo()
			return pollOutcome{status: NormalError, err: st.Error, reply: reply}

		default:
			j.removePollInfo()
			return pollOutcome{status: Success, etag: st.ETag, fileID: st.FileID, reply: reply}
		}

		select {
		case <-ctx.Done():
			return pollOutcome{status: SoftError, err: msgAborted}
		case <-time.After(j.p.pollInterval):
		}
	}
}

func (j *UploadFileJob) pollFailed(reply *davsdk.Reply, err error) pollOutcome {
	httpStatus := 0
	if reply != nil {
		httpStatus = reply.StatusCode
	}

	if errors.Is(err, davsdk.ErrPollDecode) {
		j.removePollInfo()
		return pollOutcome{status: NormalError, err: "Invalid JSON reply from the poll URL", reply: reply}
	}

	status, _ := classifyError(err, httpStatus)
	// a fatal error or a 503 keeps the poll info so a later run can pick the upload up again
	if status != FatalError && httpStatus != http.StatusServiceUnavailable {
		j.removePollInfo()
	}
	return pollOutcome{status: status, err: pollErrorString(err), reply: reply}
}

func (j *UploadFileJob) removePollInfo() {
	if err := j.p.journal.SetPollInfo(&journal.PollInfo{Path: j.item.Path}); err != nil {
		slog.Warn("remove poll info failed", "path", j.item.Path, "error", err)
		return
	}
	if err := j.p.journal.Commit("remove poll info"); err != nil {
		slog.Warn("commit poll info failed", "path", j.item.Path, "error", err)
	}
}

func (j *UploadFileJob) onPollFinished(out pollOutcome) {
	j.p.activeRequests.Add(-1)

	j.mu.Lock()
	defer j.mu.Unlock()

	// finished was set when the 202 arrived; only a fired done means the job is over
	if j.doneFired.Load() {
		return
	}

	if out.reply != nil {
		j.item.HTTPStatus = out.reply.StatusCode
	}

	if out.status != Success {
		j.done(out.status, out.err)
		return
	}

	if out.fileID != "" {
		if j.item.FileID != "" && j.item.FileID != out.fileID {
			slog.Warn("file id changed", "path", j.item.Path, "old", j.item.FileID, "new", out.fileID)
		}
		j.item.FileID = out.fileID
	}
	j.item.ETag = out.etag
	if out.reply != nil {
		j.item.ResponseTimestamp = out.reply.Timestamp
	}

	j.finalize()
}
