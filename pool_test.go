package rasterpool

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetPool(t *testing.T) {
	t.Run("Lifecycle", testPoolLifecycle)
	t.Run("LRU Ordering", testPoolLRU)
	t.Run("Reference Modes", testPoolRefModes)
	t.Run("Exhaustion and Failure", testPoolFailures)
	t.Run("Responsible Identity", testPoolRID)
	t.Run("Re-entrancy", testPoolReentrancy)
	t.Run("Concurrency", testPoolConcurrency)
}

func testPoolLifecycle(t *testing.T) {
	t.Run("Lazy Creation and Destruction", func(t *testing.T) {
		d := newFakeDriver()
		prev := SetOpener(d.opener)
		defer SetOpener(prev)
		SetMaxPoolSize(2)
		defer SetMaxPoolSize(0)

		poolMu.Lock()
		require.Nil(t, singleton, "no pool should exist before the first proxy")
		poolMu.Unlock()

		p1 := NewProxyDataset("a", 16, 16, ReadOnly, true)
		require.Equal(t, 1, poolRefCount(t), "first proxy creates the pool with one ref")

		p2 := NewProxyDataset("b", 16, 16, ReadOnly, false)
		require.Equal(t, 2, poolRefCount(t))

		// Touch a so the pool holds an open source when it dies.
		assert.Equal(t, `LOCAL_CS["fake"]`, p1.Projection())
		require.Equal(t, 1, d.openCount())

		// p1 is shared, so closing it leaves its entry cached and open.
		require.NoError(t, p1.Close())
		assert.Zero(t, d.closeCount())

		require.NoError(t, p2.Close())
		poolMu.Lock()
		assert.Nil(t, singleton, "last unref destroys the pool")
		poolMu.Unlock()
		assert.Equal(t, 1, d.closeCount(), "pool destruction closes cached sources")
	})

	t.Run("ForceDestroy Overrides Outstanding Refs", func(t *testing.T) {
		d := newFakeDriver()
		prev := SetOpener(d.opener)
		defer SetOpener(prev)
		SetMaxPoolSize(2)
		defer SetMaxPoolSize(0)

		ds := NewProxyDataset("a", 16, 16, ReadOnly, false)
		_ = ds.Projection()
		require.Equal(t, 1, d.openCount())

		PreventDestroy()
		ForceDestroy()

		poolMu.Lock()
		assert.Nil(t, singleton)
		poolMu.Unlock()
		assert.Equal(t, 1, d.closeCount())

		// ds was orphaned by the forced teardown; it must not be Closed
		// against the now-absent pool.
		_ = ds
	})

	t.Run("NullifySingleton Forgets Without Closing", func(t *testing.T) {
		d := newFakeDriver()
		prev := SetOpener(d.opener)
		defer SetOpener(prev)
		SetMaxPoolSize(2)
		defer SetMaxPoolSize(0)

		refPool()
		NullifySingleton()
		poolMu.Lock()
		assert.Nil(t, singleton)
		poolMu.Unlock()
		assert.Zero(t, d.closeCount())
	})

	t.Run("CloseDataset Is Idempotent", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		e, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)
		unrefDataset(e)

		closeDataset("a", ReadOnly)
		closeDataset("a", ReadOnly)
		assert.Equal(t, 1, d.closeCount(), "second close must be a no-op")

		// The vacated shell stays in the list as a reusable slot.
		assert.Equal(t, []string{""}, poolPaths(t))
	})
}

func testPoolLRU(t *testing.T) {
	t.Run("Hit Promotes To Head", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		ea, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)
		unrefDataset(ea)
		eb, err := refDataset("b", ReadOnly, nil, false)
		require.NoError(t, err)
		unrefDataset(eb)
		require.Equal(t, []string{"b", "a"}, poolPaths(t))

		ea2, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)
		assert.Same(t, ea, ea2, "hit must reuse the cached entry")
		unrefDataset(ea2)
		assert.Equal(t, []string{"a", "b"}, poolPaths(t))
		assert.Equal(t, 2, d.openCount(), "promotion must not reopen")
	})

	t.Run("Eviction Closes The LRU Idle Entry", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		for _, p := range []string{"a", "b"} {
			e, err := refDataset(p, ReadOnly, nil, false)
			require.NoError(t, err)
			unrefDataset(e)
		}

		ec, err := refDataset("c", ReadOnly, nil, false)
		require.NoError(t, err)
		unrefDataset(ec)

		assert.Equal(t, []string{"c", "b"}, poolPaths(t))
		assert.Equal(t, 1, d.closeCount(), "exactly the tail is closed")
		require.Len(t, d.closeRIDs["a"], 1, "a must be the evicted path")
	})

	t.Run("Unref Leaves List Order Untouched", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 3, d)

		for _, p := range []string{"a", "b", "c"} {
			e, err := refDataset(p, ReadOnly, nil, false)
			require.NoError(t, err)
			unrefDataset(e)
		}
		// Recency was recorded at ref time; the head stays where it is.
		assert.Equal(t, []string{"c", "b", "a"}, poolPaths(t))
	})

	t.Run("Dump Snapshot", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		e, err := refDataset("a", ReadOnly, nil, true)
		require.NoError(t, err)
		requireDump(t, fmt.Sprintf("[0] path=%q refCount=1 rid=%d open=true\n", "a", CurrentRID()))
		unrefDataset(e)
	})
}

func testPoolRefModes(t *testing.T) {
	t.Run("Shared Refs Share One Entry Per Identity", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 4, d)

		e1, err := refDataset("a", ReadOnly, nil, true)
		require.NoError(t, err)
		e2, err := refDataset("a", ReadOnly, nil, true)
		require.NoError(t, err)

		assert.Same(t, e1, e2)
		assert.Equal(t, 2, e1.refCount)
		assert.Equal(t, 1, d.openCount())

		unrefDataset(e2)
		unrefDataset(e1)
		assert.Equal(t, 0, e1.refCount)
	})

	t.Run("Shared Refs From Distinct Identities Split", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 4, d)

		e1, err := refDataset("a", ReadOnly, nil, true)
		require.NoError(t, err)

		var e2 *cacheEntry
		done := make(chan struct{})
		go func() {
			defer close(done)
			var err2 error
			e2, err2 = refDataset("a", ReadOnly, nil, true)
			assert.NoError(t, err2)
			unrefDataset(e2)
		}()
		<-done

		assert.NotSame(t, e1, e2, "distinct identities must not share a handle")
		assert.Equal(t, 2, d.openCount())
		assert.Len(t, poolPaths(t), 2, "both entries stay pooled")
		unrefDataset(e1)
	})

	t.Run("Exclusive Ref Skips Pinned Entries", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 4, d)

		e1, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)
		e2, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)

		assert.NotSame(t, e1, e2, "a pinned entry is not reusable exclusively")
		assert.Equal(t, 2, d.openCount())

		unrefDataset(e2)
		unrefDataset(e1)

		// Once idle, the first matching entry is reused without reopening.
		e3, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)
		unrefDataset(e3)
		assert.Equal(t, 2, d.openCount())
	})
}

func testPoolFailures(t *testing.T) {
	t.Run("Exhausted Pool Fails The Ref", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		ea, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)
		eb, err := refDataset("b", ReadOnly, nil, false)
		require.NoError(t, err)

		ec, err := refDataset("c", ReadOnly, nil, false)
		assert.Nil(t, ec)
		require.ErrorIs(t, err, ErrPoolExhausted)
		assert.Contains(t, err.Error(), "(2)", "the diagnostic names the configured limit")

		unrefDataset(eb)
		unrefDataset(ea)
	})

	t.Run("Open Failure Returns A Sourceless Pin", func(t *testing.T) {
		d := newFakeDriver()
		d.failing["bad"] = true
		newTestPool(t, 2, d)

		e, err := refDataset("bad", ReadOnly, nil, false)
		require.ErrorIs(t, err, ErrOpenFailed)
		require.NotNil(t, e, "the slot is still allocated and pinned")
		assert.Nil(t, e.src)
		assert.Empty(t, e.path, "a failed open leaves a true shell")
		unrefDataset(e)
	})

	t.Run("A Failed Open Is Not Matched By Later Refs", func(t *testing.T) {
		d := newFakeDriver()
		d.failing["bad"] = true
		newTestPool(t, 2, d)

		e1, err := refDataset("bad", ReadOnly, nil, false)
		require.ErrorIs(t, err, ErrOpenFailed)
		unrefDataset(e1)

		// The shell must not satisfy the next lookup: the open runs again
		// and fails again instead of handing out a dead entry.
		e2, err := refDataset("bad", ReadOnly, nil, false)
		require.ErrorIs(t, err, ErrOpenFailed)
		assert.Nil(t, e2.src)
		unrefDataset(e2)
		assert.Equal(t, 2, d.openCount())

		// Once the path becomes openable, proxies recover transparently.
		d.mu.Lock()
		d.failing["bad"] = false
		d.mu.Unlock()
		ds := NewProxyDataset("bad", 16, 16, ReadOnly, false)
		defer ds.Close()
		assert.Equal(t, `LOCAL_CS["fake"]`, ds.Projection())
	})

	t.Run("Proxy Operations Fail Cleanly On Open Failure", func(t *testing.T) {
		d := newFakeDriver()
		d.failing["bad"] = true
		newTestPool(t, 2, d)

		ds := NewProxyDataset("bad", 16, 16, ReadOnly, false)
		defer ds.Close()

		assert.Empty(t, ds.Projection())
		assert.Nil(t, ds.Metadata(""))
		_, err := ds.GeoTransform()
		assert.ErrorIs(t, err, ErrOpenFailed)
		assert.Equal(t, 3, d.openCount(), "every operation retries the open")

		for _, p := range poolPaths(t) {
			assert.Empty(t, p, "failed opens leave only anonymous shells")
		}
		poolMu.Lock()
		for cur := singleton.first; cur != nil; cur = cur.next {
			assert.Zero(t, cur.refCount, "the failed pin must be released")
			assert.Nil(t, cur.src)
		}
		poolMu.Unlock()
	})

	t.Run("Unref Below Zero Panics", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		e, err := refDataset("a", ReadOnly, nil, false)
		require.NoError(t, err)
		unrefDataset(e)
		assert.Panics(t, func() { unrefDataset(e) })

		poolMu.Lock()
		e.refCount = 0 // repair for teardown
		poolMu.Unlock()
	})
}

func testPoolRID(t *testing.T) {
	t.Run("Operations Impersonate The Creator", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		creator := CurrentRID()
		ds := NewProxyDataset("p", 16, 16, ReadOnly, true)
		defer ds.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			other := CurrentRID()
			assert.NotEqual(t, creator, other)

			md := ds.Metadata("")
			assert.Contains(t, md, "DRIVER=FAKE")

			assert.Equal(t, other, CurrentRID(),
				"the identity slot must be restored after the call")
		}()
		<-done

		require.Len(t, d.openRIDs["p"], 1)
		assert.Equal(t, creator, d.openRIDs["p"][0],
			"the open must be attributed to the creating goroutine")
	})

	t.Run("Eviction Closes Under The Opening Identity", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 2, d)

		var remote RID
		done := make(chan struct{})
		go func() {
			defer close(done)
			remote = CurrentRID()
			e, err := refDataset("a", ReadOnly, nil, false)
			assert.NoError(t, err)
			unrefDataset(e)
		}()
		<-done

		for _, p := range []string{"b", "c"} {
			e, err := refDataset(p, ReadOnly, nil, false)
			require.NoError(t, err)
			unrefDataset(e)
		}

		require.Len(t, d.closeRIDs["a"], 1)
		assert.Equal(t, remote, d.closeRIDs["a"][0])
		assert.Equal(t, CurrentRID(), RID(goid()),
			"the evicting goroutine gets its own identity back")
	})
}

func testPoolReentrancy(t *testing.T) {
	t.Run("Cascaded Construction Does Not Pin The Pool", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 4, d)

		var inner *ProxyDataset
		var refDuring int
		d.mu.Lock()
		d.onOpen = func(path string) {
			if path != "outer" {
				return
			}
			// Constructing a proxy inside an open must leave the pool's
			// top-level count untouched.
			inner = NewProxyDataset("inner", 16, 16, ReadOnly, true)
			refDuring = singleton.refCount
		}
		d.mu.Unlock()

		outer := NewProxyDataset("outer", 16, 16, ReadOnly, false)
		before := poolRefCount(t)

		assert.Contains(t, outer.Metadata(""), "DRIVER=FAKE")

		require.NotNil(t, inner, "the opener hook must have run")
		assert.Equal(t, before, refDuring, "suppressed window must ignore the inner ref")
		assert.Equal(t, before, poolRefCount(t))

		// The cascaded proxy still works normally afterwards.
		assert.Contains(t, inner.Metadata(""), "PATH=inner")

		require.NoError(t, outer.Close())
		// inner holds no top-level ref (it was built inside the suppress
		// window), so it is abandoned rather than closed.
	})
}

func testPoolConcurrency(t *testing.T) {
	t.Run("Hammer Shared Proxies", func(t *testing.T) {
		d := newFakeDriver()
		newTestPool(t, 8, d)

		const paths = 6
		var wg sync.WaitGroup
		stop := make(chan struct{})
		numGoroutines := runtime.GOMAXPROCS(0) * 2

		for g := 0; g < numGoroutines; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()

				proxies := make([]*ProxyDataset, paths)
				for i := range proxies {
					proxies[i] = NewProxyDataset(fmt.Sprintf("src-%d", i), 16, 16, ReadOnly, true)
					proxies[i].AddSrcBandDescription(TypeByte, 16, 1)
				}
				defer func() {
					for _, p := range proxies {
						p.Close()
					}
				}()

				// Simple LCG for lock-free pseudo-randomness.
				rng := uint64(id*64 + 1)
				buf := make([]byte, 16)
				for {
					select {
					case <-stop:
						return
					default:
						ds := proxies[rng%paths]
						switch rng % 3 {
						case 0:
							_ = ds.Projection()
						case 1:
							_ = ds.Metadata("")
						default:
							if b, err := ds.Band(1); err == nil {
								_ = b.ReadBlock(0, 0, buf)
							}
						}
						rng = rng*1664525 + 1013904223
					}
				}
			}(g)
		}

		time.Sleep(200 * time.Millisecond)
		close(stop)
		wg.Wait()

		// No pins may survive the workload.
		poolMu.Lock()
		defer poolMu.Unlock()
		singleton.checkLinks()
		assert.LessOrEqual(t, singleton.size, singleton.maxSize)
		for cur := singleton.first; cur != nil; cur = cur.next {
			assert.Equal(t, 0, cur.refCount, "no leaked reference counts should remain")
		}
	})
}
