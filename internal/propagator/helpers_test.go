package propagator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/journal"
	"github.com/stretchr/testify/require"
)

type fixedSource uint64

func (f fixedSource) Uint64() uint64 { return uint64(f) }

// countingSource records how many ids were drawn.
type countingSource struct {
	draws atomic.Int32
}

func (c *countingSource) Uint64() uint64 {
	c.draws.Add(1)
	return 7
}

type putFunc func(params *davsdk.PutParams) (*davsdk.Reply, error)
type pollFunc func(pollURL string) (*davsdk.PollStatus, *davsdk.Reply, error)

// scriptedUploader answers the n-th request with the n-th script entry, repeating the last one.
type scriptedUploader struct {
	mu        sync.Mutex
	puts      []putFunc
	polls     []pollFunc
	putCalls  int
	pollCalls int
	lastPut   *davsdk.PutParams
}

func (u *scriptedUploader) Put(_ context.Context, params *davsdk.PutParams) (*davsdk.Reply, error) {
	if _, err := io.Copy(io.Discard, params.Body); err != nil {
		return nil, err
	}

	u.mu.Lock()
	fn := u.puts[min(u.putCalls, len(u.puts)-1)]
	u.putCalls++
	u.lastPut = params
	u.mu.Unlock()

	return fn(params)
}

func (u *scriptedUploader) Poll(_ context.Context, pollURL string) (*davsdk.PollStatus, *davsdk.Reply, error) {
	u.mu.Lock()
	fn := u.polls[min(u.pollCalls, len(u.polls)-1)]
	u.pollCalls++
	u.mu.Unlock()

	return fn(pollURL)
}

func (u *scriptedUploader) calls() (puts, polls int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.putCalls, u.pollCalls
}

func reply(status int, kv ...string) *davsdk.Reply {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return &davsdk.Reply{StatusCode: status, Header: h, Timestamp: time.Unix(1700000100, 0)}
}

func replyWith(r *davsdk.Reply) putFunc {
	return func(*davsdk.PutParams) (*davsdk.Reply, error) { return r, nil }
}

func replyError(status int) putFunc {
	return func(*davsdk.PutParams) (*davsdk.Reply, error) {
		return reply(status), &davsdk.ReplyError{
			Op:         "put",
			StatusCode: status,
			Status:     http.StatusText(status),
		}
	}
}

func maintenanceError() putFunc {
	return func(*davsdk.PutParams) (*davsdk.Reply, error) {
		return reply(http.StatusServiceUnavailable), &davsdk.ReplyError{
			Op:         "put",
			StatusCode: http.StatusServiceUnavailable,
			Exception:  `Sabre\DAV\Exception\ServiceUnavailable`,
			Message:    "System in maintenance mode.",
		}
	}
}

func transportError() putFunc {
	return func(*davsdk.PutParams) (*davsdk.Reply, error) {
		return nil, errors.New("connection refused")
	}
}

type testEnv struct {
	dir      string
	journal  *journal.SyncJournal
	uploader *scriptedUploader
	tracker  *ProgressTracker
	p        *Propagator

	mu        sync.Mutex
	completed []*SyncFileItem
}

func newTestEnv(t *testing.T, up *scriptedUploader, mutate ...func(*Options)) *testEnv {
	t.Helper()

	j := journal.NewSyncJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, j.Open())
	t.Cleanup(func() { _ = j.Close() })

	env := &testEnv{
		dir:      t.TempDir(),
		journal:  j,
		uploader: up,
		tracker:  NewProgressTracker(),
	}

	opts := &Options{
		Journal:      j,
		Uploader:     up,
		Progress:     env.tracker,
		TransferIDs:  fixedSource(7),
		LocalDir:     env.dir,
		RemoteFolder: "Documents",
		PollInterval: 10 * time.Millisecond,
		OnItemCompleted: func(item *SyncFileItem) {
			env.mu.Lock()
			env.completed = append(env.completed, item)
			env.mu.Unlock()
		},
	}
	for _, fn := range mutate {
		fn(opts)
	}

	p, err := New(opts)
	require.NoError(t, err)
	env.p = p
	return env
}

// writeFile creates a file in the sync root and returns its descriptor.
func (e *testEnv) writeFile(t *testing.T, name string, size int) *SyncFileItem {
	t.Helper()

	path := filepath.Join(e.dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	return &SyncFileItem{
		Path:    name,
		Size:    int64(size),
		ModTime: mtime,
		IsNew:   true,
	}
}

func (e *testEnv) completions() []*SyncFileItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*SyncFileItem(nil), e.completed...)
}

func waitJob(t *testing.T, job *UploadFileJob) Status {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("upload job did not finish")
	}
	return job.Item().Status
}

const (
	defaultEventually = 2 * time.Second
	tick              = 5 * time.Millisecond
)
