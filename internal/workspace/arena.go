package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"github.com/born-ml/encoder/internal/tensor"
)

// Arena is the scratch buffer shared by every layer of a device context.
// At most one pass holds it at a time; the holder proves it with a Lease.
type Arena struct {
	sem *semaphore.Weighted

	mu  sync.Mutex // guards buf
	buf []byte

	onGrow func(bytes int)
}

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithGrowHook registers a callback invoked with the new size after every
// growth.
func WithGrowHook(fn func(bytes int)) ArenaOption {
	return func(a *Arena) { a.onGrow = fn }
}

// NewArena returns an empty arena.
func NewArena(opts ...ArenaOption) *Arena {
	a := &Arena{sem: semaphore.NewWeighted(1)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capacity returns the arena size in bytes.
func (a *Arena) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// EnsureCapacity grows the arena to at least bytes. It never shrinks. It
// waits for any in-flight pass to release the arena first, so growth can
// never invalidate a live view. It reports whether the arena grew.
func (a *Arena) EnsureCapacity(ctx context.Context, bytes int) (bool, error) {
	if bytes < 0 {
		return false, fmt.Errorf("workspace: negative capacity %d", bytes)
	}
	lease, err := a.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer lease.Release()

	a.mu.Lock()
	defer a.mu.Unlock()
	if bytes <= len(a.buf) {
		return false, nil
	}
	slog.Debug("growing workspace", "from", len(a.buf), "to", bytes)
	a.buf = make([]byte, bytes)
	if a.onGrow != nil {
		a.onGrow(bytes)
	}
	return true, nil
}

// Acquire blocks until no other pass holds the arena, or ctx is done.
func (a *Arena) Acquire(ctx context.Context) (*Lease, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("workspace: acquire: %w", err)
	}
	return a.newLease(), nil
}

// TryAcquire takes the arena if it is free.
func (a *Arena) TryAcquire() (*Lease, bool) {
	if !a.sem.TryAcquire(1) {
		return nil, false
	}
	return a.newLease(), true
}

func (a *Arena) newLease() *Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Lease{arena: a, buf: a.buf}
}

// Lease is exclusive access to the arena for one pass. Release it on every
// exit path, typically with defer.
type Lease struct {
	arena    *Arena
	buf      []byte
	released atomic.Bool
}

// Release returns the arena. Calling it more than once is harmless.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.arena.sem.Release(1)
	}
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// Bytes returns the arena size visible to this lease.
func (l *Lease) Bytes() int {
	return len(l.buf)
}

// View returns region r of the arena as a slice of T.
// It panics if the lease was released or r does not fit.
func View[T tensor.Element](l *Lease, r Region) []T {
	if l.Released() {
		panic(fmt.Sprintf("workspace: view %s through a released lease", r.Name))
	}
	size := tensor.SizeOf[T]()
	start, end := r.Offset*size, r.End()*size
	if r.Len <= 0 {
		return nil
	}
	if r.Offset < 0 || end > len(l.buf) {
		panic(fmt.Sprintf("workspace: view %s [%d,%d) exceeds arena of %d bytes", r.Name, start, end, len(l.buf)))
	}
	//nolint:gosec // G103: the arena is allocated by make and outlives the lease.
	return unsafe.Slice((*T)(unsafe.Pointer(&l.buf[start])), r.Len)
}
