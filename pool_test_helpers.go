// pool_test_helpers.go
//
// Shared fixtures for the pool, proxy, and band tests: an in-memory fake
// driver that records every open and close the pool performs (and the
// responsible identity each ran under), a fixture that pins a fresh pool
// for the duration of one test, and small assertion helpers.

package rasterpool

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/require"
)

// fakeDriver fabricates sources in memory. All fields are guarded by mu;
// the opener and the fabricated sources may be called with poolMu held, so
// the driver must never call back into the pool except through onOpen
// hooks installed by re-entrancy tests.
type fakeDriver struct {
	mu sync.Mutex

	opens  int
	closes int

	// openRIDs and closeRIDs record, per path, the responsible identity
	// each open and close was attributed to.
	openRIDs  map[string][]RID
	closeRIDs map[string][]RID

	// failing lists paths whose opens report no source.
	failing map[string]bool

	// onOpen, when set, runs at the start of every open, before the
	// source is fabricated. Re-entrancy tests use it to construct proxy
	// datasets inside an open.
	onOpen func(path string)

	// metadata overrides the fabricated per-domain metadata of a path.
	metadata map[string]map[string][]string

	// gcps seeds the ground control points of a path.
	gcps map[string][]GCP

	// lastOptions records the open options most recently seen per path.
	lastOptions map[string][]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		openRIDs:    make(map[string][]RID),
		closeRIDs:   make(map[string][]RID),
		failing:     make(map[string]bool),
		metadata:    make(map[string]map[string][]string),
		gcps:        make(map[string][]GCP),
		lastOptions: make(map[string][]string),
	}
}

func (d *fakeDriver) opener(path string, flags OpenFlag, options []string) (Source, error) {
	d.mu.Lock()
	hook := d.onOpen
	d.mu.Unlock()
	if hook != nil {
		hook(path)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	d.openRIDs[path] = append(d.openRIDs[path], CurrentRID())
	d.lastOptions[path] = options
	if d.failing[path] {
		return nil, nil
	}

	access := ReadOnly
	if flags&OpenUpdate != 0 {
		access = Update
	}
	return &fakeSource{
		d:            d,
		path:         path,
		access:       access,
		projection:   `LOCAL_CS["fake"]`,
		geoTransform: GeoTransform{10, 1, 0, 20, 0, -1},
	}, nil
}

func (d *fakeDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *fakeDriver) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// fakeSource is a fully scripted Source with two bands, two overview
// levels per band, and an all-valid mask.
type fakeSource struct {
	d    *fakeDriver
	path string

	access       Access
	projection   string
	geoTransform GeoTransform
	closed       bool
}

func (s *fakeSource) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.closed {
		return fmt.Errorf("fake source %q closed twice", s.path)
	}
	s.closed = true
	s.d.closes++
	s.d.closeRIDs[s.path] = append(s.d.closeRIDs[s.path], CurrentRID())
	return nil
}

func (s *fakeSource) RasterXSize() int { return 16 }
func (s *fakeSource) RasterYSize() int { return 16 }
func (s *fakeSource) RasterCount() int { return 2 }
func (s *fakeSource) Access() Access   { return s.access }

func (s *fakeSource) Projection() string { return s.projection }

func (s *fakeSource) SetProjection(wkt string) error {
	s.projection = wkt
	return nil
}

func (s *fakeSource) GeoTransform() (GeoTransform, error) { return s.geoTransform, nil }

func (s *fakeSource) SetGeoTransform(gt GeoTransform) error {
	s.geoTransform = gt
	return nil
}

func (s *fakeSource) GCPProjection() string { return `GEOGCS["fake gcp"]` }

func (s *fakeSource) GCPCount() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return len(s.d.gcps[s.path])
}

func (s *fakeSource) GCPs() []GCP {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.d.gcps[s.path]
}

func (s *fakeSource) Metadata(domain string) []string {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if md, ok := s.d.metadata[s.path]; ok {
		return md[domain]
	}
	if domain == "" {
		return []string{"DRIVER=FAKE", "PATH=" + s.path}
	}
	return nil
}

func (s *fakeSource) MetadataItem(name, domain string) string {
	prefix := name + "="
	for _, kv := range s.Metadata(domain) {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

func (s *fakeSource) Band(i int) (Band, error) {
	if i < 1 || i > s.RasterCount() {
		return nil, ErrBandNotFound
	}
	return &fakeBand{src: s, band: i, level: -1}, nil
}

func (s *fakeSource) Read(wnd Window, dst []byte, bands []int) error {
	for i := range dst {
		dst[i] = 1
	}
	return nil
}

func (s *fakeSource) InternalHandle(request string) (any, error) {
	return s, nil
}

// fakeBand fills reads with a recognizable pattern: the band index for the
// main band, shifted per overview level, 255 for masks.
type fakeBand struct {
	src   *fakeSource
	band  int
	level int // -1 main, 0.. overview
	mask  bool
}

func (b *fakeBand) fill() byte {
	switch {
	case b.mask:
		return 255
	case b.level >= 0:
		return byte(10*b.band + b.level)
	}
	return byte(b.band)
}

func (b *fakeBand) XSize() int {
	if b.level >= 0 {
		return 16 >> uint(b.level+1)
	}
	return 16
}

func (b *fakeBand) YSize() int            { return b.XSize() }
func (b *fakeBand) DataType() DataType    { return TypeByte }
func (b *fakeBand) BlockSize() (int, int) { return b.XSize(), 1 }

func (b *fakeBand) Metadata(domain string) []string {
	if domain != "" {
		return nil
	}
	return []string{fmt.Sprintf("BAND=%d", b.band)}
}

func (b *fakeBand) MetadataItem(name, domain string) string {
	prefix := name + "="
	for _, kv := range b.Metadata(domain) {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

func (b *fakeBand) CategoryNames() []string { return []string{"water", "land"} }
func (b *fakeBand) UnitType() string        { return "dn" }

func (b *fakeBand) ColorTable() *ColorTable {
	return &ColorTable{Entries: []ColorEntry{{C1: 1}, {C2: 2}}}
}

func (b *fakeBand) OverviewCount() int { return 2 }

func (b *fakeBand) Overview(i int) (Band, error) {
	if i < 0 || i >= 2 {
		return nil, ErrNoOverview
	}
	return &fakeBand{src: b.src, band: b.band, level: i}, nil
}

func (b *fakeBand) MaskBand() (Band, error) {
	return &fakeBand{src: b.src, band: b.band, level: b.level, mask: true}, nil
}

func (b *fakeBand) ReadBlock(bx, by int, dst []byte) error {
	for i := range dst {
		dst[i] = b.fill()
	}
	return nil
}

func (b *fakeBand) Read(wnd Window, dst []byte) error {
	for i := range dst {
		dst[i] = b.fill()
	}
	return nil
}

var (
	_ Source = (*fakeSource)(nil)
	_ Band   = (*fakeBand)(nil)
)

// newTestPool installs the driver's opener, pins a fresh pool of the given
// size for the duration of the test, and tears both down afterwards. Tests
// sharing the process-wide singleton must not run in parallel with each
// other.
func newTestPool(t *testing.T, maxSize int, d *fakeDriver) {
	t.Helper()

	poolMu.Lock()
	live := singleton != nil
	poolMu.Unlock()
	require.False(t, live, "a dataset pool is already live")

	prev := SetOpener(d.opener)
	SetMaxPoolSize(maxSize)
	refPool()

	t.Cleanup(func() {
		PreventDestroy()
		ForceDestroy()
		SetOpener(prev)
		SetMaxPoolSize(0)
	})
}

// poolPaths returns the entry paths in list order, head first, auditing the
// links on the way.
func poolPaths(t *testing.T) []string {
	t.Helper()
	poolMu.Lock()
	defer poolMu.Unlock()
	require.NotNil(t, singleton, "no pool")
	singleton.checkLinks()
	var paths []string
	for cur := singleton.first; cur != nil; cur = cur.next {
		paths = append(paths, cur.path)
	}
	return paths
}

// entryFor returns the first entry whose path matches, or nil.
func entryFor(path string) *cacheEntry {
	poolMu.Lock()
	defer poolMu.Unlock()
	for cur := singleton.first; cur != nil; cur = cur.next {
		if cur.path == path {
			return cur
		}
	}
	return nil
}

// poolRefCount reads the singleton's top-level reference count.
func poolRefCount(t *testing.T) int {
	t.Helper()
	poolMu.Lock()
	defer poolMu.Unlock()
	require.NotNil(t, singleton, "no pool")
	return singleton.refCount
}

// requireDump asserts the exact DumpState output, printing a unified diff
// on mismatch.
func requireDump(t *testing.T, want string) {
	t.Helper()
	got := DumpState()
	if got == want {
		return
	}
	edits := myers.ComputeEdits(span.URIFromPath("dump"), want, got)
	t.Fatalf("pool state diverged:\n%s", gotextdiff.ToUnified("want", "got", want, edits))
}
