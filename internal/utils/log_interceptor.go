package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// maxPendingLine bounds how much of an unterminated line is held back.
const maxPendingLine = 1024 * 1024

// LogInterceptor prefixes every complete line written to it with a sequence
// number and a timestamp before passing it on to target.
type LogInterceptor struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	pending bytes.Buffer
	now     func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target, now: time.Now}
}

// Write always reports len(p) on success. Partial lines are held until the
// newline arrives or Close is called.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(i.pending.Next(idx+1), "\r\n")
		if err := i.emit(line); err != nil {
			return 0, err
		}
	}

	if i.pending.Len() > maxPendingLine {
		if err := i.emit(i.pending.Bytes()); err != nil {
			return 0, err
		}
		i.pending.Reset()
	}

	return len(p), nil
}

// Close flushes a trailing unterminated line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending.Len() == 0 {
		return nil
	}
	err := i.emit(i.pending.Bytes())
	i.pending.Reset()
	return err
}

func (i *LogInterceptor) emit(line []byte) error {
	i.seq++
	var b bytes.Buffer
	b.WriteString(slog.Uint64("line", i.seq).String())
	b.WriteByte(' ')
	b.WriteString(slog.String("time", i.now().Format(time.RFC3339)).String())
	b.WriteByte(' ')
	b.Write(line)
	b.WriteByte('\n')
	_, err := i.target.Write(b.Bytes())
	return err
}
