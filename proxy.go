// proxy.go
//
// ProxyDataset is the per-source facade handed to composite datasets. It
// carries the identity of one underlying source (description, access mode,
// creating responsible identity), forwards operations through the pool, and
// memoises derived state so that repeated metadata queries do not touch the
// underlying source at all.
//
// A proxy may outlive many underlying opens: the pool is free to close the
// source between any two forwarded operations, so every operation re-pins
// the cache entry and never retains a raw Source across calls.

package rasterpool

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsafeInternalHandle is returned alongside the value by
	// ProxyDataset.InternalHandle: the handle may be invalidated whenever
	// the pool closes the underlying source, so it is only suitable for
	// debugging.
	ErrUnsafeInternalHandle = errors.New("internal handle of a pooled source may be invalidated at any time")
)

// metadataItemKey keys the single-item memoisation table.
type metadataItemKey struct {
	name, domain string
}

// ProxyDataset is a lightweight stand-in for one expensive-to-open source.
//
// It implements Source. Construction does not open the underlying source;
// the first forwarded operation does, through the pool. The proxy is safe
// for concurrent use: operations on the same proxy (and its bands) are
// serialized, while the pool keeps distinct proxies coherent.
//
// A ProxyDataset must be released with Close. Closing a non-shared proxy
// also closes its cached entry in the pool.
type ProxyDataset struct {
	description string
	xSize       int
	ySize       int
	access      Access
	shared      bool

	// creatorRID is the responsible identity captured at construction.
	// Operations from other goroutines impersonate it while pinning, so
	// auxiliary opens triggered by the driver are attributed to the
	// creator and closed correctly later.
	creatorRID RID

	openOptions    []string
	openOptionsSet bool

	srcProjection      string
	hasSrcProjection   bool
	srcGeoTransform    GeoTransform
	hasSrcGeoTransform bool

	gcpProjection string
	gcpCount      int
	gcpList       []GCP

	metadata      map[string][]string
	metadataItems map[metadataItemKey]string

	// entry is the most recently pinned cache entry. It exists only to
	// pair a ref with its unref and is never dereferenced across lock
	// releases.
	entry *cacheEntry

	bands  []*ProxyBand
	closed bool
}

// ProxyOption configures a ProxyDataset at construction.
type ProxyOption func(*ProxyDataset)

// WithProjection seeds the projection overlay: Projection returns wkt
// without consulting the underlying source until SetProjection clears the
// overlay.
func WithProjection(wkt string) ProxyOption {
	return func(ds *ProxyDataset) {
		ds.srcProjection = wkt
		ds.hasSrcProjection = true
	}
}

// WithGeoTransform seeds the geotransform overlay, symmetric to
// WithProjection.
func WithGeoTransform(gt GeoTransform) ProxyOption {
	return func(ds *ProxyDataset) {
		ds.srcGeoTransform = gt
		ds.hasSrcGeoTransform = true
	}
}

// NewProxyDataset creates a proxy for the source identified by description,
// without opening it.
//
// The caller's current responsible identity is captured as the proxy's
// creator identity. With shared set, forwarded operations may share one
// cached handle with other same-identity proxies of the same path;
// otherwise each pin demands exclusive use of an idle entry, and Close
// closes the cached entry.
//
// The overlays seeded by WithProjection and WithGeoTransform let composite
// layers answer spatial-reference queries without ever opening the source.
func NewProxyDataset(description string, xSize, ySize int, access Access, shared bool, opts ...ProxyOption) *ProxyDataset {
	refPool()

	ds := &ProxyDataset{
		description:     description,
		xSize:           xSize,
		ySize:           ySize,
		access:          access,
		shared:          shared,
		creatorRID:      CurrentRID(),
		srcGeoTransform: IdentityGeoTransform,
	}
	for _, o := range opts {
		o(ds)
	}
	return ds
}

// Close releases the proxy. A non-shared proxy closes its still-cached pool
// entry; in all cases the top-level pool reference taken at construction is
// dropped. Close verifies that no overview or mask proxy still holds a
// reference on its main band. Closing twice is a no-op.
func (ds *ProxyDataset) Close() error {
	poolMu.Lock()
	defer poolMu.Unlock()
	if ds.closed {
		return nil
	}
	ds.closed = true

	for _, b := range ds.bands {
		b.checkIdle()
	}
	if !ds.shared {
		closeDataset(ds.description, ds.access)
	}
	unrefPool()
	return nil
}

// SetOpenOptions forwards the given opaque options to the opener on every
// subsequent open of the underlying source. It may be called at most once,
// before the first forwarded operation; a second call is a programming
// error.
func (ds *ProxyDataset) SetOpenOptions(options []string) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if ds.openOptionsSet {
		panic("rasterpool: SetOpenOptions called twice")
	}
	ds.openOptionsSet = true
	ds.openOptions = append([]string(nil), options...)
}

// AddSrcBandDescription appends a proxy band with the given sample format
// and block size. Bands are never removed; the band count only grows.
func (ds *ProxyDataset) AddSrcBandDescription(dt DataType, blockXSize, blockYSize int) *ProxyBand {
	poolMu.Lock()
	defer poolMu.Unlock()
	b := newProxyBand(ds, len(ds.bands)+1, dt, ds.xSize, ds.ySize, blockXSize, blockYSize)
	ds.bands = append(ds.bands, b)
	return b
}

// refUnderlyingDataset pins the pool entry for this proxy and returns the
// live source, opening it if needed.
//
// The pin is taken under the proxy's creator identity, not the calling
// goroutine's: a proxy created by one goroutine and used by another must
// attribute any opens (including auxiliary shared opens made by the driver)
// to the creator, or they cannot be closed correctly afterwards.
//
// Callers hold poolMu and must pair a successful call with
// unrefUnderlyingDataset.
func (ds *ProxyDataset) refUnderlyingDataset() (Source, error) {
	prev := CurrentRID()
	SetCurrentRID(ds.creatorRID)
	entry, err := refDataset(ds.description, ds.access, ds.openOptions, ds.shared)
	SetCurrentRID(prev)

	ds.entry = entry
	if entry == nil {
		return nil, err
	}
	if entry.src == nil {
		// The pin holds a shell; release it and report the failure even
		// when the pool had none to report, so callers never see a nil
		// source behind a nil error.
		unrefDataset(entry)
		if err == nil {
			err = fmt.Errorf("open %q: %w", ds.description, ErrOpenFailed)
		}
		return nil, err
	}
	return entry.src, nil
}

// unrefUnderlyingDataset releases the pin taken by refUnderlyingDataset.
// Callers hold poolMu.
func (ds *ProxyDataset) unrefUnderlyingDataset(src Source) {
	if ds.entry == nil || ds.entry.src == nil {
		return
	}
	if ds.entry.src != src {
		panic("rasterpool: unref of a source the proxy did not pin")
	}
	unrefDataset(ds.entry)
}

// unrefEntry releases the current pin without the identity check, for the
// band-side bracket where the pinned source is not threaded through.
// Callers hold poolMu.
func (ds *ProxyDataset) unrefEntry() {
	if ds.entry == nil || ds.entry.src == nil {
		return
	}
	unrefDataset(ds.entry)
}

// Description returns the path the proxy forwards to the opener.
func (ds *ProxyDataset) Description() string { return ds.description }

func (ds *ProxyDataset) RasterXSize() int { return ds.xSize }
func (ds *ProxyDataset) RasterYSize() int { return ds.ySize }
func (ds *ProxyDataset) Access() Access { return ds.access }

// Shared reports whether pins of this proxy may share a cached handle with
// other same-identity users.
func (ds *ProxyDataset) Shared() bool { return ds.shared }

func (ds *ProxyDataset) RasterCount() int {
	poolMu.Lock()
	defer poolMu.Unlock()
	return len(ds.bands)
}

// Band returns the i-th proxy band, counting from 1.
func (ds *ProxyDataset) Band(i int) (Band, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if i < 1 || i > len(ds.bands) {
		return nil, ErrBandNotFound
	}
	return ds.bands[i-1], nil
}

// Projection returns the overlay projection when one is set, otherwise the
// underlying source's projection. An empty string is returned when the
// source cannot be opened.
func (ds *ProxyDataset) Projection() string {
	poolMu.Lock()
	defer poolMu.Unlock()
	if ds.hasSrcProjection {
		return ds.srcProjection
	}

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return ""
	}
	wkt := src.Projection()
	ds.unrefUnderlyingDataset(src)
	return wkt
}

// SetProjection clears the projection overlay and forwards the write to the
// underlying source.
func (ds *ProxyDataset) SetProjection(wkt string) error {
	poolMu.Lock()
	defer poolMu.Unlock()
	ds.hasSrcProjection = false

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return err
	}
	err = src.SetProjection(wkt)
	ds.unrefUnderlyingDataset(src)
	return err
}

// GeoTransform returns the overlay transform when one is set, otherwise the
// underlying source's transform.
func (ds *ProxyDataset) GeoTransform() (GeoTransform, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if ds.hasSrcGeoTransform {
		return ds.srcGeoTransform, nil
	}

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return IdentityGeoTransform, err
	}
	gt, err := src.GeoTransform()
	ds.unrefUnderlyingDataset(src)
	return gt, err
}

// SetGeoTransform clears the geotransform overlay and forwards the write.
func (ds *ProxyDataset) SetGeoTransform(gt GeoTransform) error {
	poolMu.Lock()
	defer poolMu.Unlock()
	ds.hasSrcGeoTransform = false

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return err
	}
	err = src.SetGeoTransform(gt)
	ds.unrefUnderlyingDataset(src)
	return err
}

// Metadata returns the metadata list of the given domain. The first call
// per domain copies the underlying source's list into a memoisation table;
// later calls return the stashed copy without touching the source. Stashed
// lists are never invalidated; callers that mutate underlying sources
// should use a fresh proxy.
func (ds *ProxyDataset) Metadata(domain string) []string {
	poolMu.Lock()
	defer poolMu.Unlock()
	if md, ok := ds.metadata[domain]; ok {
		return md
	}

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return nil
	}
	md := append([]string(nil), src.Metadata(domain)...)
	ds.unrefUnderlyingDataset(src)

	if ds.metadata == nil {
		ds.metadata = make(map[string][]string)
	}
	ds.metadata[domain] = md
	return md
}

// MetadataItem is the single-item analog of Metadata, keyed by name and
// domain.
func (ds *ProxyDataset) MetadataItem(name, domain string) string {
	poolMu.Lock()
	defer poolMu.Unlock()
	key := metadataItemKey{name, domain}
	if v, ok := ds.metadataItems[key]; ok {
		return v
	}

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return ""
	}
	v := src.MetadataItem(name, domain)
	ds.unrefUnderlyingDataset(src)

	if ds.metadataItems == nil {
		ds.metadataItems = make(map[metadataItemKey]string)
	}
	ds.metadataItems[key] = v
	return v
}

// GCPProjection refreshes and returns the memoised GCP projection.
func (ds *ProxyDataset) GCPProjection() string {
	poolMu.Lock()
	defer poolMu.Unlock()

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return ""
	}
	ds.gcpProjection = src.GCPProjection()
	ds.unrefUnderlyingDataset(src)
	return ds.gcpProjection
}

// GCPCount refreshes and returns the memoised count, like the rest of the
// GCP snapshot.
func (ds *ProxyDataset) GCPCount() int {
	poolMu.Lock()
	defer poolMu.Unlock()

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return 0
	}
	ds.gcpCount = src.GCPCount()
	ds.unrefUnderlyingDataset(src)
	return ds.gcpCount
}

// GCPs replaces the memoised snapshot with a fresh deep copy of the
// underlying source's ground control points and returns it.
func (ds *ProxyDataset) GCPs() []GCP {
	poolMu.Lock()
	defer poolMu.Unlock()

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return nil
	}
	ds.gcpList = append([]GCP(nil), src.GCPs()...)
	ds.gcpCount = len(ds.gcpList)
	ds.unrefUnderlyingDataset(src)
	return ds.gcpList
}

// Read forwards windowed raster I/O to the underlying source.
func (ds *ProxyDataset) Read(wnd Window, dst []byte, bands []int) error {
	poolMu.Lock()
	defer poolMu.Unlock()

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return err
	}
	err = src.Read(wnd, dst, bands)
	ds.unrefUnderlyingDataset(src)
	return err
}

// InternalHandle forwards the request and returns the underlying handle
// together with ErrUnsafeInternalHandle: the pool may close the source at
// any time, invalidating the handle, so this exists only for debugging.
func (ds *ProxyDataset) InternalHandle(request string) (any, error) {
	poolMu.Lock()
	defer poolMu.Unlock()

	src, err := ds.refUnderlyingDataset()
	if err != nil {
		return nil, err
	}
	h, _ := src.InternalHandle(request)
	ds.unrefUnderlyingDataset(src)
	return h, ErrUnsafeInternalHandle
}

var _ Source = (*ProxyDataset)(nil)
