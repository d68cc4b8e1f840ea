package propagator

import (
	"sync"
	"time"
)

const progressEventBufferSize = 16

// ProgressReporter receives the number of bytes sent for an item.
type ProgressReporter interface {
	ReportProgress(item *SyncFileItem, sent int64)
}

// FileProgress is the last reported progress of a path.
type FileProgress struct {
	Path        string
	Sent        int64
	Total       int64
	LastUpdated time.Time
}

// Percent is the completion in the 0..100 range. Empty files count as complete.
func (p FileProgress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Sent) * 100 / float64(p.Total)
}

// ProgressTracker keeps the progress of every file and fans updates out to subscribers.
type ProgressTracker struct {
	mu    sync.RWMutex
	files map[string]*FileProgress

	subMu sync.RWMutex
	subs  []chan FileProgress
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		files: make(map[string]*FileProgress),
	}
}

func (t *ProgressTracker) ReportProgress(item *SyncFileItem, sent int64) {
	t.mu.Lock()
	p, ok := t.files[item.Path]
	if !ok {
		p = &FileProgress{Path: item.Path}
		t.files[item.Path] = p
	}
	p.Sent = sent
	p.Total = item.Size
	p.LastUpdated = time.Now()
	snapshot := *p
	t.mu.Unlock()

	t.broadcast(snapshot)
}

// Get returns the progress of path.
func (t *ProgressTracker) Get(path string) (FileProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.files[path]
	if !ok {
		return FileProgress{}, false
	}
	return *p, true
}

// Remove forgets path, typically once its job is done.
func (t *ProgressTracker) Remove(path string) {
	t.mu.Lock()
	delete(t.files, path)
	t.mu.Unlock()
}

// Subscribe returns a channel of progress updates. Slow subscribers miss updates.
func (t *ProgressTracker) Subscribe() <-chan FileProgress {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	ch := make(chan FileProgress, progressEventBufferSize)
	t.subs = append(t.subs, ch)
	return ch
}

func (t *ProgressTracker) Unsubscribe(ch <-chan FileProgress) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for i, sub := range t.subs {
		if sub == ch {
			close(sub)
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
}

func (t *ProgressTracker) broadcast(p FileProgress) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()

	for _, sub := range t.subs {
		select {
		case sub <- p:
		default:
		}
	}
}
