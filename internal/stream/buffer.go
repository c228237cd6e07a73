package stream

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/okkar/taskstream/pkg/cerr"
)

// Config tunes the flush policy of a Buffer. The defaults come from
// config.StreamEnv; tests tighten them to drive the policy directly.
type Config struct {
	// FlushBytes flushes once at least this many unflushed bytes have
	// accumulated.
	FlushBytes int
	// FlushInterval flushes pending content at the latest this long after
	// the previous flush.
	FlushInterval time.Duration
}

// boundaryRatio is the fill ratio above which a whitespace-ended fragment
// flushes early, preferring word boundaries over mid-token cuts.
const boundaryRatio = 0.8

// Buffer coalesces high-frequency content fragments into full-content
// snapshots on its Channel. Every flush carries the entire accumulated
// content, so any single snapshot supersedes all earlier ones and a dropped
// update costs nothing.
type Buffer struct {
	cfg Config
	out *Channel

	mu        sync.Mutex
	content   strings.Builder
	unflushed int
	lastFlush time.Time
	fragments int
	closed    bool
}

func NewBuffer(cfg Config, out *Channel) *Buffer {
	return &Buffer{
		cfg:       cfg,
		out:       out,
		lastFlush: time.Now(),
	}
}

// Append accumulates fragment and flushes when the policy says so: at
// FlushBytes of pending content, or at a whitespace boundary once the
// pending content passes boundaryRatio of FlushBytes.
func (b *Buffer) Append(fragment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cerr.NewError(cerr.FailedPrecondition, "stream buffer is closed", nil)
	}
	if fragment == "" {
		return nil
	}
	b.content.WriteString(fragment)
	b.unflushed += len(fragment)
	b.fragments++

	if b.unflushed >= b.cfg.FlushBytes {
		return b.flushLocked()
	}
	if endsAtBoundary(fragment) && float64(b.unflushed) >= boundaryRatio*float64(b.cfg.FlushBytes) {
		return b.flushLocked()
	}
	return nil
}

// FlushExpired flushes pending content when the last flush is older than
// FlushInterval. The executor calls this from its ticker so sparse output
// still reaches the consumer promptly.
func (b *Buffer) FlushExpired() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.unflushed == 0 {
		return nil
	}
	if time.Since(b.lastFlush) < b.cfg.FlushInterval {
		return nil
	}
	return b.flushLocked()
}

// Complete flushes the final snapshot and emits the completion marker. The
// buffer accepts no appends afterwards.
func (b *Buffer) Complete(tokensUsed int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cerr.NewError(cerr.FailedPrecondition, "stream buffer is closed", nil)
	}
	b.closed = true
	// The final snapshot always goes out, even when nothing is pending: a
	// failed Send here means the consumer is gone and the completion would
	// never be committed.
	if err := b.flushLocked(); err != nil {
		return err
	}
	b.out.Complete(tokensUsed)
	return nil
}

// Fail closes the buffer and emits the error marker. Buffered content that
// never flushed is dropped: a failed stream commits nothing.
func (b *Buffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.out.Fail(err)
}

// Content returns the full accumulated content so far.
func (b *Buffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content.String()
}

// Fragments returns how many fragments were appended.
func (b *Buffer) Fragments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fragments
}

func (b *Buffer) flushLocked() error {
	if err := b.out.Send(b.content.String()); err != nil {
		return err
	}
	b.unflushed = 0
	b.lastFlush = time.Now()
	return nil
}

func endsAtBoundary(fragment string) bool {
	r, _ := utf8.DecodeLastRuneInString(fragment)
	return unicode.IsSpace(r)
}
