package pathlock

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned when a lock could not be acquired within the
// caller's deadline.
var ErrTimeout = errors.New("pathlock: acquisition timed out")

const (
	// DefaultAcquireTimeout bounds ordinary operation locks.
	DefaultAcquireTimeout = 30 * time.Second

	// MetadataAcquireTimeout bounds short-lived metadata-update locks; callers
	// are expected to retry on ErrTimeout.
	MetadataAcquireTimeout = 2 * time.Second

	defaultSweepInterval = 5 * time.Minute
	defaultIdleAfter     = 10 * time.Minute

	// Entries marked with this refcount are being reclaimed by the sweeper
	// and must not be reused.
	reclaimedMark = math.MinInt32

	spinDelay = time.Millisecond
)

type lockInfo struct {
	mu         sync.RWMutex
	refs       atomic.Int64
	lastAccess atomic.Int64 // unix nanos
}

func (li *lockInfo) touch() {
	li.lastAccess.Store(time.Now().UnixNano())
}

// Registry hands out reference-counted reader/writer locks keyed by
// normalized path. Idle entries are evicted by a background sweeper.
type Registry struct {
	locks         sync.Map // string -> *lockInfo
	sweepInterval time.Duration
	idleAfter     time.Duration
	logger        *logrus.Entry

	closeOnce sync.Once
	done      chan struct{}
	disposed  atomic.Bool
	wg        sync.WaitGroup
}

// Options tunes the registry; zero values select the defaults.
type Options struct {
	SweepInterval time.Duration
	IdleAfter     time.Duration
}

// NewRegistry creates a registry with default sweep settings and starts the
// sweeper.
func NewRegistry(logger *logrus.Entry) *Registry {
	return NewRegistryWithOptions(logger, Options{})
}

// NewRegistryWithOptions creates a registry with explicit sweep settings.
func NewRegistryWithOptions(logger *logrus.Entry, opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = defaultIdleAfter
	}
	if logger == nil {
		logger = logrus.WithField("component", "pathlock")
	}

	r := &Registry{
		sweepInterval: opts.SweepInterval,
		idleAfter:     opts.IdleAfter,
		logger:        logger,
		done:          make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// NormalizeKey canonicalizes a path so that equivalent spellings share one
// lock. Paths are cleaned and, on case-insensitive filesystems, lowercased.
func NormalizeKey(path string) string {
	key := filepath.ToSlash(filepath.Clean(path))
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		key = strings.ToLower(key)
	}
	return key
}

// Handle represents one held lock. Release is idempotent.
type Handle struct {
	reg      *Registry
	info     *lockInfo
	key      string
	write    bool
	released atomic.Bool
}

// Key returns the normalized key this handle locks.
func (h *Handle) Key() string { return h.key }

// Release drops the lock and its reference. Calling it more than once is a
// no-op.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.info.touch()
	if h.write {
		h.info.mu.Unlock()
	} else {
		h.info.mu.RUnlock()
	}
	h.info.refs.Add(-1)
}

// AcquireRead acquires a shared lock on key, failing with ErrTimeout after
// timeout.
func (r *Registry) AcquireRead(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	return r.acquire(ctx, key, false, timeout)
}

// AcquireWrite acquires an exclusive lock on key, failing with ErrTimeout
// after timeout.
func (r *Registry) AcquireWrite(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	return r.acquire(ctx, key, true, timeout)
}

func (r *Registry) acquire(ctx context.Context, key string, write bool, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	norm := NormalizeKey(key)
	deadline := time.Now().Add(timeout)

	for {
		v, _ := r.locks.LoadOrStore(norm, &lockInfo{})
		info := v.(*lockInfo)

		// A non-positive refcount after our increment means the sweeper is
		// reclaiming this entry; back off and fetch a fresh one.
		if info.refs.Add(1) <= 0 {
			info.refs.Add(-1)
			runtime.Gosched()
			continue
		}

		for {
			var ok bool
			if write {
				ok = info.mu.TryLock()
			} else {
				ok = info.mu.TryRLock()
			}
			if ok {
				info.touch()
				return &Handle{reg: r, info: info, key: norm, write: write}, nil
			}

			if err := ctx.Err(); err != nil {
				info.refs.Add(-1)
				return nil, err
			}
			if time.Now().After(deadline) {
				info.refs.Add(-1)
				return nil, ErrTimeout
			}

			select {
			case <-ctx.Done():
				info.refs.Add(-1)
				return nil, ctx.Err()
			case <-time.After(spinDelay):
			}
		}
	}
}

type heldKeysCtxKey struct{}

func heldKeys(ctx context.Context) map[string]bool {
	m, _ := ctx.Value(heldKeysCtxKey{}).(map[string]bool)
	return m
}

func withHeldKey(ctx context.Context, key string) context.Context {
	held := map[string]bool{key: true}
	for k := range heldKeys(ctx) {
		held[k] = true
	}
	return context.WithValue(ctx, heldKeysCtxKey{}, held)
}

// DoRead runs fn under a shared lock on key, releasing it on every exit
// path. Nested calls for a key already held through DoRead/DoWrite on this
// context run fn directly instead of deadlocking.
func (r *Registry) DoRead(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	norm := NormalizeKey(key)
	if heldKeys(ctx)[norm] {
		return fn(ctx)
	}

	h, err := r.AcquireRead(ctx, norm, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(withHeldKey(ctx, norm))
}

// DoWrite runs fn under an exclusive lock on key, releasing it on every exit
// path. Re-entrant calls on the same context and key run fn directly.
func (r *Registry) DoWrite(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	norm := NormalizeKey(key)
	if heldKeys(ctx)[norm] {
		return fn(ctx)
	}

	h, err := r.AcquireWrite(ctx, norm, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(withHeldKey(ctx, norm))
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts entries with no holders or waiters that have been idle longer
// than the threshold. Marking the refcount before deletion keeps racing
// acquirers from resurrecting an entry that is about to be dropped.
func (r *Registry) sweep() {
	if r.disposed.Load() {
		return
	}

	cutoff := time.Now().Add(-r.idleAfter).UnixNano()
	evicted := 0

	r.locks.Range(func(k, v any) bool {
		info := v.(*lockInfo)
		if info.lastAccess.Load() > cutoff {
			return true
		}
		if info.refs.CompareAndSwap(0, reclaimedMark) {
			r.locks.Delete(k)
			evicted++
		}
		return true
	})

	if evicted > 0 {
		r.logger.WithField("evicted", evicted).Debug("Swept idle path locks")
	}
}

// Len reports the number of live entries, for tests and diagnostics.
func (r *Registry) Len() int {
	n := 0
	r.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops the sweeper. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.disposed.Store(true)
		close(r.done)
		r.wg.Wait()
	})
}
