// Package rasterpool interposes lightweight proxies between a composite
// raster dataset and the expensive-to-open sources it references, and keeps
// a bounded pool of currently open sources shared by all proxies.
//
// A composite dataset may reference hundreds or thousands of underlying
// files. Opening every file up-front exhausts file descriptors and memory;
// reopening on every read is too slow. A ProxyDataset stands in for one
// underlying source and forwards each operation through the pool, which
// transparently opens the source on first use and closes it again when the
// pool is full and the entry is idle, in least-recently-used order.
//
// IMPLEMENTATION:
// The pool is a process-wide singleton holding an intrusive doubly-linked
// list of cache entries ordered most- to least-recently used. Entries are
// pinned for the duration of a forwarded call through a reference count;
// only entries with a zero count are evicted. Every pool operation, and
// every open or close the pool performs, runs under one process-wide mutex
// shared with the proxy layer. The mutex is re-entrant by goroutine because
// opening a source may itself construct proxy datasets that call back into
// the pool; a second counter suppresses top-level pool references taken
// inside such a window so cascaded proxies cannot pin the pool forever.
package rasterpool

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolExhausted is returned by a ref when the pool is at capacity
	// and every entry is pinned by an active reference.
	ErrPoolExhausted = errors.New("dataset pool exhausted")

	// ErrOpenFailed is returned when the registered opener produced no
	// source and no error of its own.
	ErrOpenFailed = errors.New("underlying opener returned no source")
)

// PoolSizeEnv is the environment variable consulted at first pool creation
// for the maximum number of simultaneously open sources. Values outside
// [2, 1000] fall back to the default of 100.
const PoolSizeEnv = "RASTERPOOL_MAX_SIZE"

const (
	defaultPoolSize  = 100
	minPoolSize      = 2
	maxPoolSizeLimit = 1000
)

// reentrantMutex is a mutex that may be re-acquired by the goroutine
// already holding it. The pool needs this because an opener invoked under
// the lock may construct proxy datasets whose constructors call back into
// the pool on the same goroutine.
type reentrantMutex struct {
	mu    sync.Mutex
	owner atomic.Uint64 // goroutine id of the holder, 0 when free
	depth int           // recursion depth, guarded by mu
}

func (m *reentrantMutex) Lock() {
	id := goid()
	if m.owner.Load() == id {
		m.depth++
		return
	}
	m.mu.Lock()
	m.owner.Store(id)
	m.depth = 1
}

func (m *reentrantMutex) Unlock() {
	if m.depth--; m.depth > 0 {
		return
	}
	m.owner.Store(0)
	m.mu.Unlock()
}

// poolMu is the single process-wide mutex shared by the pool and the proxy
// layer. It is held for every pool operation and across every open and
// close the pool issues, because those must mutate the LRU list and any
// driver-side shared-open state atomically together.
var poolMu reentrantMutex

// cacheEntry is one slot of the pool: a cached open source together with
// the bookkeeping needed to find, pin, and evict it.
//
// An entry whose src is nil is a vacated shell: its source has been closed
// by eviction or CloseDataset and the slot is kept for reuse. Shells still
// count toward the pool size.
type cacheEntry struct {
	// path is the key the source was opened under. Empty on shells.
	path string

	// access is the mode the source was opened with.
	access Access

	// rid is the responsible identity recorded at open time. Closes are
	// performed under it.
	rid RID

	// src is the live handle, nil once closed.
	src Source

	// refCount counts active users. Only zero-count entries may be
	// evicted or closed.
	refCount int

	prev, next *cacheEntry
}

// datasetPool is the singleton bounded LRU of open sources.
type datasetPool struct {
	// refCount counts top-level proxy datasets. The pool is destroyed
	// when it returns to zero.
	refCount int

	// suppressRefCount is non-zero while the pool itself is opening or
	// closing a source. Top-level refs and unrefs taken inside that
	// window are ignored, so proxies constructed by a cascaded open do
	// not pin the pool. See refPool and unrefPool.
	suppressRefCount int

	maxSize int
	size    int

	// first and last bound the intrusive list, most-recently-used first.
	first, last *cacheEntry
}

// singleton is the process-wide pool, created lazily by the first top-level
// ref and nil whenever no pool exists. Guarded by poolMu.
var singleton *datasetPool

// configuredPoolSize overrides PoolSizeEnv when non-zero. Guarded by poolMu.
var configuredPoolSize int

// SetMaxPoolSize sets the maximum number of simultaneously open sources,
// overriding PoolSizeEnv. The value is read at pool creation; calling this
// after the pool exists only affects a future pool.
func SetMaxPoolSize(n int) {
	poolMu.Lock()
	defer poolMu.Unlock()
	configuredPoolSize = n
}

func clampedPoolSize() int {
	n := configuredPoolSize
	if n == 0 {
		if s := os.Getenv(PoolSizeEnv); s != "" {
			if v, err := strconv.Atoi(s); err == nil {
				n = v
			}
		}
	}
	if n < minPoolSize || n > maxPoolSizeLimit {
		n = defaultPoolSize
	}
	return n
}

// refPool takes a top-level reference on the pool, creating it on first
// use. Called by ProxyDataset constructors. Refs taken while the pool is
// performing an open or close of its own are deliberately ignored.
func refPool() {
	poolMu.Lock()
	defer poolMu.Unlock()
	if singleton == nil {
		singleton = &datasetPool{maxSize: clampedPoolSize()}
	}
	if singleton.suppressRefCount == 0 {
		singleton.refCount++
	}
}

// unrefPool drops a top-level reference, destroying the pool when the last
// one is released. Unrefs inside a suppress window are ignored, matching
// refPool.
func unrefPool() {
	poolMu.Lock()
	defer poolMu.Unlock()
	if singleton == nil {
		panic("rasterpool: unref of absent pool")
	}
	if singleton.suppressRefCount != 0 {
		return
	}
	singleton.refCount--
	if singleton.refCount == 0 {
		singleton.destroy()
		singleton = nil
	}
}

// PreventDestroy blocks the automatic destruction of the pool until a
// matching ForceDestroy. It is called by the surrounding driver-manager
// teardown to control destruction order relative to other subsystems.
func PreventDestroy() {
	poolMu.Lock()
	defer poolMu.Unlock()
	if singleton == nil {
		return
	}
	singleton.suppressRefCount++
}

// ForceDestroy destroys the pool immediately, overriding the reference
// count discipline. It pairs with PreventDestroy during driver-manager
// teardown.
func ForceDestroy() {
	poolMu.Lock()
	defer poolMu.Unlock()
	if singleton == nil {
		return
	}
	singleton.suppressRefCount--
	if singleton.suppressRefCount != 0 {
		panic("rasterpool: force destroy with suppress refs outstanding")
	}
	singleton.refCount = 0
	singleton.destroy()
	singleton = nil
}

// NullifySingleton forgets the pool without closing anything. Only the
// process teardown path should call this, after the sources have been
// closed by other means.
func NullifySingleton() {
	poolMu.Lock()
	defer poolMu.Unlock()
	singleton = nil
}

// destroy closes every cached source under its recorded responsible
// identity. Entries must be unpinned; a pinned entry at destruction time is
// a programming error.
func (p *datasetPool) destroy() {
	restore := CurrentRID()
	for cur := p.first; cur != nil; cur = cur.next {
		if cur.refCount != 0 {
			panic("rasterpool: destroying pinned cache entry")
		}
		if cur.src != nil {
			SetCurrentRID(cur.rid)
			_ = cur.src.Close()
			cur.src = nil
		}
	}
	SetCurrentRID(restore)
}

// refDataset pins the cache entry for (path, access), opening the source
// if it is not cached.
//
// With shared set, an existing entry is reused only when it was opened
// under the caller's current responsible identity, so same-identity users
// share one handle while distinct identities keep distinct entries. Without
// shared, only an entry nobody else is using qualifies, giving the caller
// exclusive use of the handle for the duration of the pin.
//
// A full pool evicts its least-recently-used idle entry; when every entry
// is pinned the call fails with ErrPoolExhausted. On an open failure the
// pinned entry is still returned alongside the error, with a nil source
// and its path cleared, so a later scan never matches a sourceless entry;
// the caller must release it.
func refDataset(path string, access Access, options []string, shared bool) (*cacheEntry, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if singleton == nil {
		panic("rasterpool: ref of dataset on unreferenced pool")
	}
	return singleton.refDataset(path, access, options, shared)
}

func (p *datasetPool) refDataset(path string, access Access, options []string, shared bool) (*cacheEntry, error) {
	rid := CurrentRID()

	var lastZero *cacheEntry
	for cur := p.first; cur != nil; cur = cur.next {
		if cur.path == path &&
			((shared && cur.rid == rid) || (!shared && cur.refCount == 0)) {
			p.moveToFront(cur)
			cur.refCount++
			return cur, nil
		}
		if cur.refCount == 0 {
			lastZero = cur
		}
	}

	var cur *cacheEntry
	if p.size == p.maxSize {
		if lastZero == nil {
			return nil, fmt.Errorf(
				"%w: too many concurrent references for the current pool size (%d), "+
					"or proxy datasets opened in a too deeply cascaded way; "+
					"try increasing %s", ErrPoolExhausted, p.maxSize, PoolSizeEnv)
		}

		// Recycle the least-recently-used idle entry in place.
		lastZero.path = ""
		if lastZero.src != nil {
			p.closeEntrySource(lastZero)
		}
		p.moveToFront(lastZero)
		cur = lastZero
	} else {
		cur = &cacheEntry{next: p.first}
		if p.first != nil {
			p.first.prev = cur
		}
		p.first = cur
		if p.last == nil {
			p.last = cur
		}
		p.size++
	}

	cur.path = path
	cur.access = access
	cur.rid = rid
	cur.refCount = 1

	p.suppressRefCount++
	src, err := openSource(path, access, options)
	p.suppressRefCount--

	cur.src = src
	if src == nil {
		// Leave a true shell: the slot is reusable, and the next ref of
		// this path retries the open instead of finding a dead entry.
		cur.path = ""
	}
	return cur, err
}

// openSource invokes the registered opener. Callers hold poolMu.
func openSource(path string, access Access, options []string) (Source, error) {
	if theOpener == nil {
		return nil, fmt.Errorf("open %q: %w", path, ErrNoOpener)
	}
	flags := OpenRaster | OpenVerboseError
	if access == Update {
		flags |= OpenUpdate
	}
	src, err := theOpener(path, flags, options)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	if src == nil {
		return nil, fmt.Errorf("open %q: %w", path, ErrOpenFailed)
	}
	return src, nil
}

// closeEntrySource closes an entry's source by impersonating the
// responsible identity the source was opened under, inside a suppress
// window. Callers hold poolMu.
func (p *datasetPool) closeEntrySource(e *cacheEntry) {
	restore := CurrentRID()
	SetCurrentRID(e.rid)

	p.suppressRefCount++
	_ = e.src.Close()
	p.suppressRefCount--

	e.src = nil
	SetCurrentRID(restore)
}

// unrefDataset releases a pin taken by refDataset. The entry keeps its
// list position: recency was recorded at ref time, and an entry that stays
// at the head is the likeliest next lookup hit.
func unrefDataset(e *cacheEntry) {
	poolMu.Lock()
	defer poolMu.Unlock()
	e.refCount--
	if e.refCount < 0 {
		panic("rasterpool: unref of unpinned cache entry")
	}
}

// closeDataset closes the first idle cached source for path, leaving the
// vacated entry in the list as a reusable shell. It is a no-op when no
// idle open entry matches. The access parameter is accepted for symmetry
// with refDataset and ignored, as the pool keys entries by path alone.
func closeDataset(path string, _ Access) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if singleton == nil {
		return
	}
	singleton.closeDataset(path)
}

func (p *datasetPool) closeDataset(path string) {
	for cur := p.first; cur != nil; cur = cur.next {
		if cur.path == path && cur.refCount == 0 && cur.src != nil {
			p.closeEntrySource(cur)
			cur.path = ""
			return
		}
	}
}

// moveToFront splices e to the head of the list, marking it most recently
// used. A no-op when e is already the head.
func (p *datasetPool) moveToFront(e *cacheEntry) {
	if e == p.first {
		return
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		p.last = e.prev
	}
	e.prev.next = e.next
	e.prev = nil
	e.next = p.first
	p.first.prev = e
	p.first = e
}

// DumpState renders one line per cache entry, most recently used first,
// for debugging. The output is empty when no pool exists.
func DumpState() string {
	poolMu.Lock()
	defer poolMu.Unlock()
	if singleton == nil {
		return ""
	}
	var b strings.Builder
	i := 0
	for cur := singleton.first; cur != nil; cur = cur.next {
		fmt.Fprintf(&b, "[%d] path=%q refCount=%d rid=%d open=%v\n",
			i, cur.path, cur.refCount, cur.rid, cur.src != nil)
		i++
	}
	return b.String()
}

// checkLinks audits the intrusive list: link symmetry, boundary links, and
// agreement between the walked length and the recorded size. Callers hold
// poolMu. Any inconsistency is a programming error.
func (p *datasetPool) checkLinks() {
	n := 0
	for cur := p.first; cur != nil; cur = cur.next {
		if cur == p.first {
			if cur.prev != nil {
				panic("rasterpool: head entry has a predecessor")
			}
		} else if cur.prev.next != cur {
			panic("rasterpool: broken prev link")
		}
		if cur == p.last {
			if cur.next != nil {
				panic("rasterpool: tail entry has a successor")
			}
		} else if cur.next.prev != cur {
			panic("rasterpool: broken next link")
		}
		n++
	}
	if n != p.size {
		panic("rasterpool: list length disagrees with recorded size")
	}
}
