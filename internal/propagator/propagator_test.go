package propagator

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/davsync/internal/bandwidth"
	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(&Options{Uploader: &scriptedUploader{}})
	assert.ErrorIs(t, err, ErrNoJournal)

	_, err = New(&Options{Journal: journal.NewSyncJournal(":memory:")})
	assert.ErrorIs(t, err, ErrNoUploader)
}

func TestPropagator_Paths(t *testing.T) {
	env := newTestEnv(t, &scriptedUploader{})
	assert.Equal(t, "/Documents/dir/a b.txt", env.p.RemotePath("dir/a b.txt"))
	assert.Equal(t, filepath.Join(env.dir, "dir", "a.txt"), env.p.LocalPath("dir/a.txt"))
}

func TestUploadFileJob_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		put         putFunc
		status      Status
		anotherSync bool
		blacklisted bool
		errContains string
	}{
		{"transport", transportError(), NormalError, false, true, "connection refused"},
		{"not found", replyError(http.StatusNotFound), NormalError, false, true, "Not Found"},
		{"unauthorized", replyError(http.StatusUnauthorized), NormalError, false, true, ""},
		{"forbidden outside share", replyError(http.StatusForbidden), NormalError, false, true, ""},
		{"locked", replyError(http.StatusLocked), SoftError, true, false, ""},
		{"precondition", replyError(http.StatusPreconditionFailed), SoftError, true, false, ""},
		{"unavailable", replyError(http.StatusServiceUnavailable), NormalError, false, true, ""},
		{"maintenance", maintenanceError(), FatalError, false, true, "maintenance"},
		{"quota", replyError(http.StatusInsufficientStorage), DetailError, false, true, "exceeds the quota"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &scriptedUploader{puts: []putFunc{tt.put}})
			item := env.writeFile(t, "a.txt", 2048)

			job := env.p.UploadFile(context.Background(), item)
			require.Equal(t, tt.status, waitJob(t, job))
			assert.Equal(t, tt.anotherSync, env.p.AnotherSyncNeeded())
			if tt.errContains != "" {
				assert.Contains(t, item.ErrorString, tt.errContains)
			}

			entry, err := env.journal.ErrorBlacklistEntry("a.txt")
			require.NoError(t, err)
			assert.Equal(t, tt.blacklisted, entry != nil)
			assert.Equal(t, tt.blacklisted, item.HasBlacklistEntry)
		})
	}
}

func TestUploadFileJob_ReadOnlyShareRestoration(t *testing.T) {
	env := newTestEnv(t, &scriptedUploader{puts: []putFunc{replyError(http.StatusForbidden)}})
	item := env.writeFile(t, "shared/a.txt", 10)
	item.InSharedDirectory = true

	job := env.p.UploadFile(context.Background(), item)
	require.Equal(t, Restoration, waitJob(t, job))
	assert.Equal(t, msgReadOnlyShare, item.ErrorString)
	assert.Equal(t, http.StatusForbidden, item.HTTPStatus)
	assert.True(t, env.p.AnotherSyncNeeded())

	entry, err := env.journal.ErrorBlacklistEntry("shared/a.txt")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestUploadFileJob_ResettingErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		errorCount uint32
		wantValid  bool
		wantCount  uint32
	}{
		{"500 counts", http.StatusInternalServerError, 1, true, 2},
		{"412 counts", http.StatusPreconditionFailed, 0, true, 1},
		{"limit exceeded wipes", http.StatusPreconditionFailed, 3, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &scriptedUploader{puts: []putFunc{replyError(tt.status)}})
			item := env.writeFile(t, "a.txt", 10)

			require.NoError(t, env.journal.SetUploadInfo("a.txt", &journal.UploadInfo{
				Valid: true, TransferID: 42, ModTime: item.ModTime, ErrorCount: tt.errorCount,
			}))

			job := env.p.UploadFile(context.Background(), item)
			waitJob(t, job)

			info, err := env.journal.GetUploadInfo("a.txt")
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, info.Valid)
			assert.Equal(t, tt.wantCount, info.ErrorCount)
			if tt.wantValid {
				assert.Equal(t, uint64(42), info.TransferID)
			}
		})
	}
}

func TestUploadFileJob_NonResettingErrorKeepsResumeRecord(t *testing.T) {
	env := newTestEnv(t, &scriptedUploader{puts: []putFunc{replyError(http.StatusNotFound)}})
	item := env.writeFile(t, "a.txt", 10)

	seed := &journal.UploadInfo{Valid: true, TransferID: 42, ModTime: item.ModTime, ErrorCount: 1}
	require.NoError(t, env.journal.SetUploadInfo("a.txt", seed))

	job := env.p.UploadFile(context.Background(), item)
	require.Equal(t, NormalError, waitJob(t, job))

	info, err := env.journal.GetUploadInfo("a.txt")
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.Equal(t, uint32(1), info.ErrorCount)
}

func TestUploadFileJob_BlacklistGrowsAndClears(t *testing.T) {
	now := time.Unix(1700000500, 0)
	env := newTestEnv(t, &scriptedUploader{puts: []putFunc{replyError(http.StatusNotFound)}},
		func(o *Options) { o.Now = func() time.Time { return now } })
	item := env.writeFile(t, "a.txt", 10)

	for range 2 {
		it := *item
		job := env.p.UploadFile(context.Background(), &it)
		require.Equal(t, NormalError, waitJob(t, job))
	}

	entry, err := env.journal.ErrorBlacklistEntry("a.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.RetryCount)
	assert.Equal(t, 125*time.Second, entry.IgnoreDuration)
	assert.True(t, entry.LastTryTime.Equal(now))
	assert.True(t, entry.Active(item.ModTime, now.Add(time.Minute)))

	// an intermediate round wipes the entry, success keeps it wiped
	env.uploader.puts = []putFunc{
		replyWith(reply(http.StatusOK)),
		replyWith(reply(http.StatusOK, "ETag", `"E1"`)),
	}
	env.uploader.putCalls = 0
	it := *item
	it.HasBlacklistEntry = true
	job := env.p.UploadFile(context.Background(), &it)
	require.Equal(t, Success, waitJob(t, job))
	assert.False(t, it.HasBlacklistEntry)

	entry, err = env.journal.ErrorBlacklistEntry("a.txt")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestPropagator_AbortStopsRunningUpload(t *testing.T) {
	up := &scriptedUploader{puts: []putFunc{replyWith(reply(http.StatusOK, "ETag", `"E1"`))}}
	env := newTestEnv(t, up, func(o *Options) { o.Bandwidth = bandwidth.NewManager(1) })
	item := env.writeFile(t, "big.bin", 256*1024)

	job := env.p.UploadFile(context.Background(), item)
	assert.Eventually(t, func() bool { return env.p.ActiveRequests() == 1 }, time.Second, 5*time.Millisecond)

	env.p.Abort()
	require.Equal(t, SoftError, waitJob(t, job))
	assert.Equal(t, msgAborted, item.ErrorString)
	assert.True(t, env.p.AbortRequested())

	// the aborted request drains without a second outcome
	assert.Eventually(t, func() bool { return env.p.ActiveRequests() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, env.completions(), 1)
	assert.Zero(t, env.p.ActiveJobs())

	// nothing new starts after an abort
	next := env.p.UploadFile(context.Background(), env.writeFile(t, "b.txt", 10))
	require.Equal(t, SoftError, waitJob(t, next))
	puts, _ := up.calls()
	assert.Zero(t, puts)
	assert.Len(t, env.completions(), 2)

	// abort is idempotent
	env.p.Abort()
	job.Abort()
	assert.Len(t, env.completions(), 2)
}

func TestPropagator_FatalErrorAbortsRun(t *testing.T) {
	up := &scriptedUploader{puts: []putFunc{
		maintenanceError(),
		replyWith(reply(http.StatusOK, "ETag", `"E1"`)),
	}}
	env := newTestEnv(t, up)

	first := env.p.UploadFile(context.Background(), env.writeFile(t, "a.txt", 10))
	require.Equal(t, FatalError, waitJob(t, first))
	assert.True(t, env.p.AbortRequested())

	second := env.writeFile(t, "b.txt", 10)
	require.Equal(t, SoftError, waitJob(t, env.p.UploadFile(context.Background(), second)))
	assert.Equal(t, msgAborted, second.ErrorString)

	puts, _ := up.calls()
	assert.Equal(t, 1, puts)

	entry, err := env.journal.ErrorBlacklistEntry("b.txt")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestPropagator_NormalErrorKeepsRunGoing(t *testing.T) {
	up := &scriptedUploader{puts: []putFunc{
		replyError(http.StatusNotFound),
		replyWith(reply(http.StatusOK, "ETag", `"E1"`)),
	}}
	env := newTestEnv(t, up)

	require.Equal(t, NormalError, waitJob(t, env.p.UploadFile(context.Background(), env.writeFile(t, "a.txt", 10))))
	assert.False(t, env.p.AbortRequested())
	require.Equal(t, Success, waitJob(t, env.p.UploadFile(context.Background(), env.writeFile(t, "b.txt", 10))))
}

func TestPropagator_StartUploadIsNoopAfterAbortFlag(t *testing.T) {
	up := &scriptedUploader{puts: []putFunc{replyWith(reply(http.StatusOK, "ETag", `"E1"`))}}
	env := newTestEnv(t, up)
	item := env.writeFile(t, "a.txt", 10)

	job := newUploadFileJob(env.p, item)
	job.ctx, job.cancel = context.WithCancel(context.Background())
	env.p.abortRequested.Store(true)

	job.mu.Lock()
	job.startUpload()
	job.mu.Unlock()

	assert.Zero(t, env.p.ActiveRequests())
	puts, _ := up.calls()
	assert.Zero(t, puts)
	select {
	case <-job.Done():
		t.Fatal("no-op start must not finish the job")
	default:
	}
}

func TestClassifyError(t *testing.T) {
	status, another := classifyError(errors.New("reset"), 0)
	assert.Equal(t, NormalError, status)
	assert.False(t, another)

	status, another = classifyError(&davsdk.ReplyError{StatusCode: 423}, 423)
	assert.Equal(t, SoftError, status)
	assert.True(t, another)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "soft-error", SoftError.String())
	assert.Equal(t, "none", NoStatus.String())
	assert.True(t, DetailError.Blacklisted())
	assert.False(t, Restoration.Blacklisted())
	assert.False(t, SoftError.Blacklisted())
}
