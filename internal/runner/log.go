// File: internal/runner/log.go
package runner

import (
	"fmt"
	"sync"
	"time"
)

// jobLog is the append-only, timestamped log sequence of one job. The mutex
// matters because browser console listeners append from the CDP event
// goroutine while the runner appends from the job goroutine.
type jobLog struct {
	now func() time.Time

	mu    sync.Mutex
	lines []string
}

func newJobLog(now func() time.Time) *jobLog {
	return &jobLog{now: now}
}

func (l *jobLog) Appendf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stamp := l.now().UTC().Format("2006-01-02T15:04:05.000Z")
	l.lines = append(l.lines, fmt.Sprintf("[%s] %s", stamp, fmt.Sprintf(format, args...)))
}

// Lines returns a snapshot; the log itself keeps growing independently.
func (l *jobLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}
