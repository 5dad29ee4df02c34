// Package expirer implements the time-indexed expiry set of spec §4.4: a
// set of (target, expiryUnix) entries with a background sweep that emits
// an Expired event once a target's deadline passes.
//
// Grounded on session/manager.go's cleanupTicker/stopCleanup goroutine
// shape, upgraded from that file's O(n) full-table scan to a
// container/heap min-heap so the sweep only visits entries that are
// actually due.
package expirer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/walletconnect/relay-core/internal/logger"
	"github.com/walletconnect/relay-core/store"
)

// maxSleep bounds how long the sweep goroutine sleeps when the heap is
// empty or its head entry is far out, so a Set() arriving in the
// meantime is picked up within a bounded window even though it doesn't
// wake the timer directly.
const maxSleep = time.Second

// record is the persisted form of an expiry entry.
type record struct {
	Target  string `json:"target"`
	Expiry  int64  `json:"expiry"`
}

// entry is the heap-ordered in-memory form.
type entry struct {
	target string
	expiry int64
	index  int
}

type minHeap []*entry

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].expiry < h[j].expiry }
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Expirer tracks expiry deadlines for arbitrary string targets (topics,
// pairing topics, request ids) and emits Expired callbacks once a target's
// deadline has passed.
type Expirer struct {
	mu      sync.Mutex
	heap    minHeap
	byKey   map[string]*entry
	log     logger.Logger
	backend *store.Store[record]

	onExpired func(target string)

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an Expirer. backend may be nil, in which case entries are
// not persisted and Init is a no-op.
func New(backend store.Backend, contextPrefix string) *Expirer {
	var s *store.Store[record]
	if backend != nil {
		s = store.New[record](backend, contextPrefix, "expirer")
	}
	return &Expirer{
		heap:    make(minHeap, 0),
		byKey:   make(map[string]*entry),
		log:     logger.GetDefaultLogger(),
		backend: s,
		stop:    make(chan struct{}),
	}
}

// OnExpired registers the callback invoked (from the sweep goroutine) the
// first time a target's deadline is found to have passed. Only one
// callback is kept; call before Start.
func (e *Expirer) OnExpired(fn func(target string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onExpired = fn
}

// Init loads any persisted entries from the backend store, if configured.
func (e *Expirer) Init(ctx context.Context) error {
	if e.backend == nil {
		return nil
	}
	if err := e.backend.Init(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.backend.Keys() {
		r, err := e.backend.Get(ctx, k)
		if err != nil {
			continue
		}
		e.pushLocked(r.Target, r.Expiry)
	}
	return nil
}

// Start launches the background sweep goroutine. Safe to call once.
func (e *Expirer) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
}

// Close stops the sweep goroutine.
func (e *Expirer) Close() error {
	close(e.stop)
	e.wg.Wait()
	return nil
}

// Set records target's expiry deadline, replacing any existing one.
func (e *Expirer) Set(ctx context.Context, target string, expiry time.Time) error {
	e.mu.Lock()
	e.pushLocked(target, expiry.Unix())
	e.mu.Unlock()

	if e.backend != nil {
		return e.backend.Set(ctx, target, record{Target: target, Expiry: expiry.Unix()})
	}
	return nil
}

// pushLocked must be called with e.mu held.
func (e *Expirer) pushLocked(target string, expiryUnix int64) {
	if old, ok := e.byKey[target]; ok {
		old.expiry = expiryUnix
		heap.Fix(&e.heap, old.index)
		return
	}
	en := &entry{target: target, expiry: expiryUnix}
	heap.Push(&e.heap, en)
	e.byKey[target] = en
}

// Has reports whether target currently has a recorded, non-expired deadline.
func (e *Expirer) Has(target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.byKey[target]
	if !ok {
		return false
	}
	return en.expiry > time.Now().Unix()
}

// Get returns target's expiry time, if set.
func (e *Expirer) Get(target string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.byKey[target]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(en.expiry, 0), true
}

// Delete removes target's deadline without firing Expired. Idempotent.
func (e *Expirer) Delete(ctx context.Context, target string) error {
	e.mu.Lock()
	e.deleteLocked(target)
	e.mu.Unlock()

	if e.backend != nil {
		return e.backend.Delete(ctx, target, "manual delete")
	}
	return nil
}

func (e *Expirer) deleteLocked(target string) {
	en, ok := e.byKey[target]
	if !ok {
		return
	}
	heap.Remove(&e.heap, en.index)
	delete(e.byKey, target)
}

// sweepLoop sleeps until the heap's head entry is due, dequeues every
// entry with expiry <= now, emits Expired for each, then rearms against
// the new head.
func (e *Expirer) sweepLoop() {
	defer e.wg.Done()
	timer := time.NewTimer(maxSleep)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			e.sweep()
			timer.Reset(e.nextSleep())
		case <-e.stop:
			return
		}
	}
}

// nextSleep returns how long the sweep goroutine should sleep before its
// next check, capped at maxSleep so a Set() racing with an empty heap is
// still observed promptly.
func (e *Expirer) nextSleep() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.heap.Len() == 0 {
		return maxSleep
	}
	d := time.Until(time.Unix(e.heap[0].expiry, 0))
	if d <= 0 {
		return time.Millisecond
	}
	if d > maxSleep {
		return maxSleep
	}
	return d
}

func (e *Expirer) sweep() {
	now := time.Now().Unix()
	var expired []string

	e.mu.Lock()
	for e.heap.Len() > 0 {
		top := e.heap[0]
		if top.expiry > now {
			break
		}
		heap.Pop(&e.heap)
		delete(e.byKey, top.target)
		expired = append(expired, top.target)
	}
	cb := e.onExpired
	e.mu.Unlock()

	if cb == nil {
		return
	}
	for _, target := range expired {
		e.log.Debug("target expired", logger.Target(target))
		cb(target)
	}
}
