// Package progress reports journal stream totals and per-entry advancement
// for long stages. The journal feeds it through a side channel so that
// presentation stays out of the orchestration core.
package progress

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Tracker receives stage totals and increments from journal streams.
type Tracker interface {
	// Start begins tracking a named stage with a known total.
	Start(name string, total int64)

	// Increment advances the current stage by one entry.
	Increment()

	// Stop finishes the current stage, reporting unfinished work if any.
	Stop()
}

type nopTracker struct{}

func (nopTracker) Start(string, int64) {}
func (nopTracker) Increment()          {}
func (nopTracker) Stop()               {}

// NewNop returns a tracker that discards all updates.
func NewNop() Tracker { return nopTracker{} }

// logTracker reports stage progress through the logger only.
type logTracker struct {
	logger *slog.Logger

	mu    sync.Mutex
	name  string
	total int64
	value int64
	stamp time.Time
}

// NewLog returns a tracker that logs stage start and completion.
func NewLog(logger *slog.Logger) Tracker {
	return &logTracker{logger: logger}
}

func (t *logTracker) Start(name string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
	t.total = total
	t.value = 0
	t.stamp = time.Now()
	t.logger.Debug("stage started", "name", name, "total", total)
}

func (t *logTracker) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value++
}

func (t *logTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.name == "" {
		return
	}
	if t.value < t.total {
		t.logger.Warn("stage unfinished", "name", t.name, "remaining", t.total-t.value)
	} else {
		t.logger.Info("stage completed", "name", t.name, "entries", t.total, "elapsed", time.Since(t.stamp).Round(time.Millisecond))
	}
	t.name = ""
}

// barTracker draws a single-line bar on stderr when it is a terminal and
// falls back to log-only tracking otherwise.
type barTracker struct {
	logTracker
	width int
}

// New returns the best tracker for the current environment: a terminal bar
// when stderr is a TTY, otherwise a log tracker.
func New(logger *slog.Logger) Tracker {
	fd := int(os.Stderr.Fd())
	if !term.IsTerminal(fd) {
		return NewLog(logger)
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 {
		width = 80
	}
	return &barTracker{logTracker: logTracker{logger: logger}, width: width}
}

func (t *barTracker) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value++
	t.draw()
}

func (t *barTracker) Stop() {
	t.mu.Lock()
	if t.name != "" {
		fmt.Fprint(os.Stderr, "\r"+strings.Repeat(" ", t.width-1)+"\r")
	}
	t.mu.Unlock()
	t.logTracker.Stop()
}

func (t *barTracker) draw() {
	if t.total <= 0 {
		return
	}
	barSize := 40
	if t.width < 60 {
		barSize = t.width / 2
	}
	filled := int(int64(barSize) * t.value / t.total)
	if filled > barSize {
		filled = barSize
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barSize-filled)
	fmt.Fprintf(os.Stderr, "\r%s: [%s] %d/%d", t.name, bar, t.value, t.total)
}
