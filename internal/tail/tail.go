// Package tail implements the multi-source log multiplexer of §4.E: it
// follows N rotatable files (and/or standard input), delivering one
// complete line at a time labelled with a stable per-source handle,
// surviving rotation and transient disappearance without losing its
// read position.
//
// Readiness follows the teacher's ring-buffer-consumer shape in
// internal/kernel/events.go: a background goroutine drives a
// deadline-bounded read loop so context cancellation is checked
// regularly, with fsnotify used where available and a bounded-backoff
// poll as the portable fallback (§4.E, "Platform conditional").
package tail

import (
	"bufio"
	"context"
	"errors"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// MaxSources is the hard cap on concurrently active sources (§4.E).
const MaxSources = 35

// MaxLogPollInterval bounds the poll-fallback backoff (§4.E, MAX_LOGPOLL_INTERVAL).
const MaxLogPollInterval = 2200 * time.Millisecond

// maxLineBytes bounds line assembly so one slow writer cannot starve others.
const maxLineBytes = 1000

// stallSleep and maxStalls bound how long a partial line is awaited before
// it is abandoned with a diagnostic.
const (
	stallSleep = 20 * time.Millisecond
	maxStalls  = 10
)

// Line is one delivered line together with the handle of its source.
type Line struct {
	Text string
	Src  uint32
}

// ErrClosed is returned by NextLine after Close.
var ErrClosed = errors.New("tail: multiplexer closed")

type source struct {
	path     string
	handle   uint32
	isStdin  bool
	active   bool
	f        *os.File
	r        *bufio.Reader
	inode    uint64
	lastStat time.Time
}

// Multiplexer is the runtime state of §4.E's log-source multiplexer.
type Multiplexer struct {
	log *zap.Logger

	mu      sync.Mutex
	sources []*source
	lastIdx int // index of the source that produced the previous line

	watcher  *fsnotify.Watcher
	pollBack time.Duration

	closed bool
	rng    *rand.Rand
}

// New constructs an empty Multiplexer. If a platform readiness facility
// (inotify via fsnotify) cannot be opened, New falls back to poll-only
// mode transparently (§4.E algorithm, preference order 1 then 2).
func New(log *zap.Logger) *Multiplexer {
	m := &Multiplexer{
		log:      log,
		pollBack: 50 * time.Millisecond,
		rng:      rand.New(rand.NewSource(1)),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("tail: readiness facility unavailable, falling back to polling", zap.Error(err))
		return m
	}
	m.watcher = w
	return m
}

// AddSource opens path (or stdin if path == "-"), seeks to its end so
// historic lines are ignored, and returns its stable handle Σ.
func (m *Multiplexer) AddSource(path string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sources) >= MaxSources {
		return 0, errors.New("tail: too many sources, limit is 35")
	}

	if path == "-" {
		src := &source{path: path, isStdin: true, active: true, handle: 0, f: os.Stdin, r: bufio.NewReaderSize(os.Stdin, maxLineBytes)}
		m.sources = append(m.sources, src)
		return 0, nil
	}

	handle := sourceHandle(path)
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return 0, err
	}
	src := &source{
		path:   path,
		handle: handle,
		active: true,
		f:      f,
		r:      bufio.NewReaderSize(f, maxLineBytes),
		inode:  inodeOf(st),
	}
	m.sources = append(m.sources, src)

	if m.watcher != nil {
		if err := m.watcher.Add(path); err != nil {
			m.log.Debug("tail: watcher.Add failed, source still polled", zap.String("path", path), zap.Error(err))
		}
	}
	return handle, nil
}

// sourceHandle computes Σ deterministically via FNV-1a, per §3's Source
// handle definition.
func sourceHandle(path string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return h.Sum32()
}

// NextLine returns the next complete line and its source handle, blocking
// until one is available or the multiplexer is closed. When
// stickToPrevious is true, the read is attempted against the source that
// produced the last returned line first (§4.E, "stick_to_previous").
func (m *Multiplexer) NextLine(ctx context.Context, stickToPrevious bool) (Line, error) {
	for {
		if line, ok, err := m.tryRead(stickToPrevious); err != nil {
			return Line{}, err
		} else if ok {
			return line, nil
		}

		m.refresh()

		select {
		case <-ctx.Done():
			return Line{}, ctx.Err()
		default:
		}

		if m.waitReady(ctx) {
			continue
		}
	}
}

// tryRead attempts one non-blocking pass over the active sources, starting
// from a random offset for fairness, or from lastIdx when stickToPrevious
// requests the same source that produced the previous line.
func (m *Multiplexer) tryRead(stickToPrevious bool) (Line, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Line{}, false, ErrClosed
	}
	n := len(m.sources)
	if n == 0 {
		return Line{}, false, nil
	}

	if stickToPrevious && m.lastIdx < n && m.sources[m.lastIdx].active {
		if line, ok := m.readLineFrom(m.sources[m.lastIdx]); ok {
			return Line{Text: line, Src: m.sources[m.lastIdx].handle}, true, nil
		}
	}

	start := m.rng.Intn(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		src := m.sources[idx]
		if !src.active {
			continue
		}
		if line, ok := m.readLineFrom(src); ok {
			m.lastIdx = idx
			return Line{Text: line, Src: src.handle}, true, nil
		}
	}
	return Line{}, false, nil
}

// readLineFrom attempts to assemble one newline-terminated line from src
// without blocking indefinitely: it grants up to maxStalls tiny sleeps
// for a partial line before abandoning it (§4.E, "Line assembly").
func (m *Multiplexer) readLineFrom(src *source) (string, bool) {
	buf := make([]byte, 0, 64)
	stalls := 0
	for {
		b, err := src.r.ReadByte()
		if err != nil {
			if len(buf) == 0 {
				if isTransient(err) {
					return "", false
				}
				m.deactivateLocked(src, err)
				return "", false
			}
			if stalls >= maxStalls {
				m.log.Warn("tail: abandoning stalled partial line", zap.String("path", src.path), zap.Int("bytes", len(buf)))
				return "", false
			}
			stalls++
			time.Sleep(stallSleep)
			continue
		}
		if b == '\n' {
			return string(buf), true
		}
		if len(buf) < maxLineBytes {
			buf = append(buf, b)
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded)
}

func (m *Multiplexer) deactivateLocked(src *source, err error) {
	if src.isStdin {
		return
	}
	m.log.Warn("tail: deactivating source after read error", zap.String("path", src.path), zap.Error(err))
	if src.f != nil {
		src.f.Close()
	}
	src.active = false
}

// refresh performs the rotation/disappearance scan described in §4.E:
// stat each non-stdin source, reopen on inode change, deactivate on
// disappearance, and reactivate sources whose path resolves again.
func (m *Multiplexer) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, src := range m.sources {
		if src.isStdin {
			continue
		}
		st, err := os.Stat(src.path)
		if err != nil {
			if src.active {
				m.log.Info("tail: source path no longer resolves", zap.String("path", src.path))
				m.deactivateLocked(src, err)
			}
			continue
		}

		inode := inodeOf(st)
		if !src.active {
			if err := m.reopenFromStart(src, inode); err != nil {
				m.log.Debug("tail: reactivation failed", zap.String("path", src.path), zap.Error(err))
				continue
			}
			m.log.Info("tail: source reactivated", zap.String("path", src.path))
			continue
		}
		if inode != src.inode {
			m.log.Info("tail: rotation detected", zap.String("path", src.path))
			if src.f != nil {
				src.f.Close()
			}
			if err := m.reopenFromStart(src, inode); err != nil {
				m.log.Warn("tail: reopen after rotation failed", zap.String("path", src.path), zap.Error(err))
			}
		}
	}
}

func (m *Multiplexer) reopenFromStart(src *source, inode uint64) error {
	f, err := os.Open(src.path)
	if err != nil {
		return err
	}
	src.f = f
	src.r = bufio.NewReaderSize(f, maxLineBytes)
	src.inode = inode
	src.active = true
	if m.watcher != nil {
		_ = m.watcher.Add(src.path)
	}
	return nil
}

// waitReady blocks until a readiness event fires, the poll backoff
// elapses, or ctx is cancelled. It returns true if the caller should loop
// and retry a read.
func (m *Multiplexer) waitReady(ctx context.Context) bool {
	if m.watcher != nil {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-m.watcher.Events:
			if !ok {
				return true
			}
			return true
		case <-m.watcher.Errors:
			return true
		case <-time.After(m.pollBack):
			return true
		}
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.pollBack):
	}
	m.pollBack *= 2
	if m.pollBack > MaxLogPollInterval {
		m.pollBack = MaxLogPollInterval
	}
	return true
}

// Close releases every open source and the readiness watcher.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, src := range m.sources {
		if !src.isStdin && src.f != nil {
			src.f.Close()
		}
	}
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
