package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pollReply(st *davsdk.PollStatus) pollFunc {
	return func(string) (*davsdk.PollStatus, *davsdk.Reply, error) {
		return st, reply(http.StatusOK), nil
	}
}

func TestUploadFileJob_PollUntilFinished(t *testing.T) {
	var env *testEnv
	pendingSeen := false
	up := &scriptedUploader{
		puts: []putFunc{replyWith(reply(http.StatusAccepted, davsdk.HeaderOCFinishPoll, "/poll/1"))},
		polls: []pollFunc{
			func(pollURL string) (*davsdk.PollStatus, *davsdk.Reply, error) {
				assert.Equal(t, "/poll/1", pollURL)
				infos, err := env.journal.PollInfos()
				require.NoError(t, err)
				pendingSeen = len(infos) == 1 && infos[0].URL == "/poll/1"
				return &davsdk.PollStatus{Unfinished: true}, reply(http.StatusOK), nil
			},
			pollReply(&davsdk.PollStatus{ETag: "E3", FileID: "F3"}),
		},
	}
	env = newTestEnv(t, up)
	item := env.writeFile(t, "a.txt", 10)

	job := env.p.UploadFile(context.Background(), item)
	require.Equal(t, Success, waitJob(t, job))
	assert.True(t, pendingSeen)

	puts, polls := up.calls()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 2, polls)
	assert.Equal(t, "E3", item.ETag)
	assert.Equal(t, "F3", item.FileID)

	infos, err := env.journal.PollInfos()
	require.NoError(t, err)
	assert.Empty(t, infos)

	rec, err := env.journal.GetFileRecord("a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "E3", rec.ETag)
}

func TestUploadFileJob_PollReportsError(t *testing.T) {
	up := &scriptedUploader{
		puts:  []putFunc{replyWith(reply(http.StatusAccepted, davsdk.HeaderOCFinishPoll, "/poll/1"))},
		polls: []pollFunc{pollReply(&davsdk.PollStatus{Error: "virus found"})},
	}
	env := newTestEnv(t, up)
	item := env.writeFile(t, "a.txt", 10)

	job := env.p.UploadFile(context.Background(), item)
	require.Equal(t, NormalError, waitJob(t, job))
	assert.Equal(t, "virus found", item.ErrorString)

	infos, err := env.journal.PollInfos()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestUploadFileJob_PollRetriesTransportErrors(t *testing.T) {
	up := &scriptedUploader{
		puts: []putFunc{replyWith(reply(http.StatusAccepted, davsdk.HeaderOCFinishPoll, "/poll/1"))},
		polls: []pollFunc{
			func(string) (*davsdk.PollStatus, *davsdk.Reply, error) { return nil, nil, errors.New("reset") },
			pollReply(&davsdk.PollStatus{ETag: "E4"}),
		},
	}
	env := newTestEnv(t, up)
	item := env.writeFile(t, "a.txt", 10)

	job := env.p.UploadFile(context.Background(), item)
	require.Equal(t, Success, waitJob(t, job))
	_, polls := up.calls()
	assert.Equal(t, 2, polls)
}

func TestUploadFileJob_PollHTTPErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		err          error
		want         Status
		keepPollInfo bool
	}{
		{"not found", http.StatusNotFound, &davsdk.ReplyError{StatusCode: http.StatusNotFound, Message: "gone"}, NormalError, false},
		{"unavailable", http.StatusServiceUnavailable, &davsdk.ReplyError{StatusCode: http.StatusServiceUnavailable}, NormalError, true},
		{"bad json", http.StatusOK, fmt.Errorf("%w: eof", davsdk.ErrPollDecode), NormalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &scriptedUploader{
				puts: []putFunc{replyWith(reply(http.StatusAccepted, davsdk.HeaderOCFinishPoll, "/poll/1"))},
				polls: []pollFunc{func(string) (*davsdk.PollStatus, *davsdk.Reply, error) {
					return nil, reply(tt.status), tt.err
				}},
			}
			env := newTestEnv(t, up)
			item := env.writeFile(t, "a.txt", 10)

			job := env.p.UploadFile(context.Background(), item)
			require.Equal(t, tt.want, waitJob(t, job))
			assert.Equal(t, tt.status, item.HTTPStatus)

			infos, err := env.journal.PollInfos()
			require.NoError(t, err)
			assert.Equal(t, tt.keepPollInfo, len(infos) == 1)
		})
	}
}

func TestUploadFileJob_AbortWhilePolling(t *testing.T) {
	up := &scriptedUploader{
		puts:  []putFunc{replyWith(reply(http.StatusAccepted, davsdk.HeaderOCFinishPoll, "/poll/1"))},
		polls: []pollFunc{pollReply(&davsdk.PollStatus{Unfinished: true})},
	}
	env := newTestEnv(t, up)
	item := env.writeFile(t, "a.txt", 10)

	job := env.p.UploadFile(context.Background(), item)
	assert.Eventually(t, func() bool {
		_, polls := up.calls()
		return polls > 0
	}, defaultEventually, tick)

	env.p.Abort()
	require.Equal(t, SoftError, waitJob(t, job))
	assert.Eventually(t, func() bool { return env.p.ActiveRequests() == 0 }, defaultEventually, tick)
	assert.Len(t, env.completions(), 1)

	// the poll info survives so a later run can resume polling
	infos, err := env.journal.PollInfos()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

// restartEnv is a second run over the journal and sync root of prev.
func restartEnv(t *testing.T, prev *testEnv, up *scriptedUploader) *testEnv {
	t.Helper()
	env := newTestEnv(t, up, func(o *Options) {
		o.Journal = prev.journal
		o.LocalDir = prev.dir
	})
	env.journal = prev.journal
	env.dir = prev.dir
	return env
}

func TestPropagator_ResumePollsAfterRestart(t *testing.T) {
	first := &scriptedUploader{
		puts:  []putFunc{replyWith(reply(http.StatusAccepted, davsdk.HeaderOCFinishPoll, "/poll/1"))},
		polls: []pollFunc{pollReply(&davsdk.PollStatus{Unfinished: true})},
	}
	env := newTestEnv(t, first)
	item := env.writeFile(t, "a.txt", 10)

	job := env.p.UploadFile(context.Background(), item)
	assert.Eventually(t, func() bool {
		_, polls := first.calls()
		return polls > 0
	}, defaultEventually, tick)
	env.p.Abort()
	require.Equal(t, SoftError, waitJob(t, job))

	second := &scriptedUploader{
		puts: []putFunc{replyError(http.StatusInternalServerError)},
		polls: []pollFunc{func(pollURL string) (*davsdk.PollStatus, *davsdk.Reply, error) {
			assert.Equal(t, "/poll/1", pollURL)
			return &davsdk.PollStatus{ETag: "E9", FileID: "F9"}, reply(http.StatusOK), nil
		}},
	}
	env2 := restartEnv(t, env, second)

	jobs, err := env2.p.ResumePolls(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, Success, waitJob(t, jobs[0]))
	assert.Equal(t, "a.txt", jobs[0].Item().Path)

	puts, polls := second.calls()
	assert.Equal(t, 0, puts, "a resumed upload is not sent again")
	assert.Equal(t, 1, polls)
	assert.Len(t, env2.completions(), 1)

	rec, err := env2.journal.GetFileRecord("a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "E9", rec.ETag)
	assert.Equal(t, "F9", rec.FileID)

	infos, err := env2.journal.PollInfos()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestPropagator_ResumePollsDropsChangedFiles(t *testing.T) {
	up := &scriptedUploader{
		puts:  []putFunc{replyError(http.StatusInternalServerError)},
		polls: []pollFunc{pollReply(&davsdk.PollStatus{ETag: "E1"})},
	}
	env := newTestEnv(t, up)
	env.writeFile(t, "changed.txt", 10)

	for _, info := range []*journal.PollInfo{
		{Path: "changed.txt", ModTime: time.Unix(1600000000, 0), URL: "/poll/1"},
		{Path: "gone.txt", ModTime: time.Unix(1700000000, 0), URL: "/poll/2"},
	} {
		require.NoError(t, env.journal.SetPollInfo(info))
	}
	require.NoError(t, env.journal.Commit("seed"))

	jobs, err := env.p.ResumePolls(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, polls := up.calls()
	assert.Equal(t, 0, polls)

	infos, err := env.journal.PollInfos()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestPropagator_ResumePollsAfterAbort(t *testing.T) {
	up := &scriptedUploader{
		puts:  []putFunc{replyError(http.StatusInternalServerError)},
		polls: []pollFunc{pollReply(&davsdk.PollStatus{ETag: "E1"})},
	}
	env := newTestEnv(t, up)
	env.writeFile(t, "a.txt", 10)
	require.NoError(t, env.journal.SetPollInfo(&journal.PollInfo{Path: "a.txt", ModTime: time.Unix(1700000000, 0), URL: "/poll/1"}))
	require.NoError(t, env.journal.Commit("seed"))

	env.p.Abort()
	jobs, err := env.p.ResumePolls(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, SoftError, waitJob(t, jobs[0]))

	_, polls := up.calls()
	assert.Equal(t, 0, polls)

	// kept for the next run
	infos, err := env.journal.PollInfos()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

// TestUploadFileJob_AgainstDavServer drives the real client against a fake WebDAV server.
func TestUploadFileJob_AgainstDavServer(t *testing.T) {
	var puts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /remote.php/webdav/Documents/a.txt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Len(t, body, 100)
		assert.Equal(t, "1700000000", r.Header.Get(davsdk.HeaderOCMtime))

		switch puts.Add(1) {
		case 1:
			// accepted but not complete yet: no etag
			w.WriteHeader(http.StatusCreated)
		default:
			w.Header().Set(davsdk.HeaderOCFinishPoll, "/index.php/poll/abc")
			w.WriteHeader(http.StatusAccepted)
		}
	})
	mux.HandleFunc("GET /index.php/poll/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"unfinished":false,"etag":"\"E1\"","fileid":"F1"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := davsdk.New(&davsdk.ClientConfig{ServerURL: srv.URL})
	require.NoError(t, err)

	env := newTestEnv(t, &scriptedUploader{}, func(o *Options) { o.Uploader = client })
	item := env.writeFile(t, "a.txt", 100)

	job := env.p.UploadFile(context.Background(), item)
	require.Equal(t, Success, waitJob(t, job))
	assert.Equal(t, int32(2), puts.Load())
	assert.Equal(t, "E1", item.ETag)
	assert.Equal(t, "F1", item.FileID)
	assert.Equal(t, http.StatusOK, item.HTTPStatus)
}
