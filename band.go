// band.go
//
// Per-band facades. A ProxyBand delegates to the matching band of the
// owning ProxyDataset's underlying source; ProxyOverviewBand and
// ProxyMaskBand descend one level further, through the main band's bracket,
// to the overview or mask of the underlying band. All three memoise derived
// state the same way ProxyDataset does.

package rasterpool

import "fmt"

// bandBinder resolves the underlying band a proxy band delegates to. The
// default binding goes through the owning dataset; overview and mask
// proxies rebind to descend through their main band instead.
//
// refUnderlyingBand pins the underlying dataset for the duration of the
// call and must be paired with unrefUnderlyingBand. Callers hold poolMu.
type bandBinder interface {
	refUnderlyingBand() (Band, error)
	unrefUnderlyingBand(b Band)
}

// ProxyBand is a lightweight stand-in for one band of a pooled source.
//
// It implements Band. Like its owning ProxyDataset, a ProxyBand pins the
// cache entry around every forwarded operation and never retains the
// underlying band across calls.
type ProxyBand struct {
	ds   *ProxyDataset
	band int

	dataType               DataType
	xSize, ySize           int
	blockXSize, blockYSize int

	unitType      string
	categoryNames []string
	colorTable    *ColorTable
	metadata      map[string][]string
	metadataItems map[metadataItemKey]string

	overviews []*ProxyOverviewBand
	maskBand  *ProxyMaskBand

	// binder resolves the underlying band. For a plain ProxyBand it is
	// the band itself; overview and mask proxies install themselves here
	// so the shared accessors descend through the main band.
	binder bandBinder
}

func newProxyBand(ds *ProxyDataset, band int, dt DataType, xSize, ySize, blockXSize, blockYSize int) *ProxyBand {
	b := &ProxyBand{
		ds:         ds,
		band:       band,
		dataType:   dt,
		xSize:      xSize,
		ySize:      ySize,
		blockXSize: blockXSize,
		blockYSize: blockYSize,
	}
	b.binder = b
	return b
}

// newProxyBandFrom snapshots geometry and sample format from a live
// underlying band. Overview and mask proxies are built through it, inside
// the bracket that produced ub.
func newProxyBandFrom(ds *ProxyDataset, ub Band) *ProxyBand {
	bx, by := ub.BlockSize()
	b := &ProxyBand{
		ds:         ds,
		dataType:   ub.DataType(),
		xSize:      ub.XSize(),
		ySize:      ub.YSize(),
		blockXSize: bx,
		blockYSize: by,
	}
	b.binder = b
	return b
}

func (b *ProxyBand) XSize() int { return b.xSize }
func (b *ProxyBand) YSize() int { return b.ySize }
func (b *ProxyBand) DataType() DataType { return b.dataType }
func (b *ProxyBand) BlockSize() (x, y int) { return b.blockXSize, b.blockYSize }

// refUnderlyingBand pins the owning dataset's source and returns its band
// at this proxy's index. Callers hold poolMu.
func (b *ProxyBand) refUnderlyingBand() (Band, error) {
	src, err := b.ds.refUnderlyingDataset()
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("open %q: %w", b.ds.description, ErrOpenFailed)
	}
	ub, err := src.Band(b.band)
	if err != nil || ub == nil {
		b.ds.unrefUnderlyingDataset(src)
		if err == nil {
			err = ErrBandNotFound
		}
		return nil, err
	}
	return ub, nil
}

// unrefUnderlyingBand releases the pin taken by refUnderlyingBand.
func (b *ProxyBand) unrefUnderlyingBand(Band) {
	b.ds.unrefEntry()
}

// Metadata returns the band metadata list of the given domain, stashing the
// first copy per domain exactly as ProxyDataset.Metadata does.
func (b *ProxyBand) Metadata(domain string) []string {
	poolMu.Lock()
	defer poolMu.Unlock()
	if md, ok := b.metadata[domain]; ok {
		return md
	}

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return nil
	}
	md := append([]string(nil), ub.Metadata(domain)...)
	b.binder.unrefUnderlyingBand(ub)

	if b.metadata == nil {
		b.metadata = make(map[string][]string)
	}
	b.metadata[domain] = md
	return md
}

// MetadataItem is the single-item analog of Metadata.
func (b *ProxyBand) MetadataItem(name, domain string) string {
	poolMu.Lock()
	defer poolMu.Unlock()
	key := metadataItemKey{name, domain}
	if v, ok := b.metadataItems[key]; ok {
		return v
	}

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return ""
	}
	v := ub.MetadataItem(name, domain)
	b.binder.unrefUnderlyingBand(ub)

	if b.metadataItems == nil {
		b.metadataItems = make(map[metadataItemKey]string)
	}
	b.metadataItems[key] = v
	return v
}

// CategoryNames refreshes and returns the memoised category list.
func (b *ProxyBand) CategoryNames() []string {
	poolMu.Lock()
	defer poolMu.Unlock()

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return nil
	}
	b.categoryNames = append([]string(nil), ub.CategoryNames()...)
	b.binder.unrefUnderlyingBand(ub)
	return b.categoryNames
}

// UnitType refreshes and returns the memoised unit.
func (b *ProxyBand) UnitType() string {
	poolMu.Lock()
	defer poolMu.Unlock()

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return ""
	}
	b.unitType = ub.UnitType()
	b.binder.unrefUnderlyingBand(ub)
	return b.unitType
}

// ColorTable refreshes the memoised palette with a private clone of the
// underlying band's table and returns it.
func (b *ProxyBand) ColorTable() *ColorTable {
	poolMu.Lock()
	defer poolMu.Unlock()

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return nil
	}
	b.colorTable = ub.ColorTable().Clone()
	b.binder.unrefUnderlyingBand(ub)
	return b.colorTable
}

// OverviewCount forwards to the underlying band.
func (b *ProxyBand) OverviewCount() int {
	poolMu.Lock()
	defer poolMu.Unlock()

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return 0
	}
	n := ub.OverviewCount()
	b.binder.unrefUnderlyingBand(ub)
	return n
}

// Overview returns the proxy for overview i of this band, constructing it
// on first use. The overview array grows as needed and holds each proxy for
// the life of the band. A negative index is a programming error.
func (b *ProxyBand) Overview(i int) (Band, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if i < 0 {
		panic("rasterpool: negative overview index")
	}
	if i < len(b.overviews) && b.overviews[i] != nil {
		return b.overviews[i], nil
	}

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return nil, err
	}
	uo, err := ub.Overview(i)
	if err != nil || uo == nil {
		b.binder.unrefUnderlyingBand(ub)
		if err == nil {
			err = ErrNoOverview
		}
		return nil, err
	}

	ov := &ProxyOverviewBand{
		ProxyBand:     *newProxyBandFrom(b.ds, uo),
		mainBand:      b,
		overviewIndex: i,
	}
	ov.binder = ov

	for len(b.overviews) <= i {
		b.overviews = append(b.overviews, nil)
	}
	b.overviews[i] = ov

	b.binder.unrefUnderlyingBand(ub)
	return ov, nil
}

// MaskBand returns the proxy for this band's mask, constructing it on first
// use.
func (b *ProxyBand) MaskBand() (Band, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if b.maskBand != nil {
		return b.maskBand, nil
	}

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return nil, err
	}
	um, err := ub.MaskBand()
	if err != nil || um == nil {
		b.binder.unrefUnderlyingBand(ub)
		if err == nil {
			err = fmt.Errorf("underlying band has no mask: %w", ErrNotSupported)
		}
		return nil, err
	}

	mb := &ProxyMaskBand{
		ProxyBand: *newProxyBandFrom(b.ds, um),
		mainBand:  b,
	}
	mb.binder = mb
	b.maskBand = mb

	b.binder.unrefUnderlyingBand(ub)
	return mb, nil
}

// AddSrcMaskBandDescription pre-declares the mask band proxy with the given
// sample format and block size, without touching the underlying source.
// Declaring a mask twice is a programming error.
func (b *ProxyBand) AddSrcMaskBandDescription(dt DataType, blockXSize, blockYSize int) *ProxyMaskBand {
	poolMu.Lock()
	defer poolMu.Unlock()
	if b.maskBand != nil {
		panic("rasterpool: mask band already declared")
	}
	mb := &ProxyMaskBand{
		ProxyBand: *newProxyBand(b.ds, 1, dt, b.xSize, b.ySize, blockXSize, blockYSize),
		mainBand:  b,
	}
	mb.binder = mb
	b.maskBand = mb
	return mb
}

// ReadBlock forwards a block read to the underlying band.
func (b *ProxyBand) ReadBlock(bx, by int, dst []byte) error {
	poolMu.Lock()
	defer poolMu.Unlock()

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return err
	}
	err = ub.ReadBlock(bx, by, dst)
	b.binder.unrefUnderlyingBand(ub)
	return err
}

// Read forwards windowed I/O to the underlying band.
func (b *ProxyBand) Read(wnd Window, dst []byte) error {
	poolMu.Lock()
	defer poolMu.Unlock()

	ub, err := b.binder.refUnderlyingBand()
	if err != nil {
		return err
	}
	err = ub.Read(wnd, dst)
	b.binder.unrefUnderlyingBand(ub)
	return err
}

// RasterSampleOverview is not implemented on proxy bands; selecting an
// overview by sample count would require opening the source for a query
// the composite layer can answer itself.
func (b *ProxyBand) RasterSampleOverview(uint64) (Band, error) {
	return nil, fmt.Errorf("raster sample overview on a proxy band: %w", ErrNotSupported)
}

// checkIdle verifies that no overview or mask proxy of this band still
// holds a reference on its main band. Called during dataset Close; an
// outstanding reference is a programming error. Callers hold poolMu.
func (b *ProxyBand) checkIdle() {
	for _, ov := range b.overviews {
		if ov != nil && ov.refCountUnderlyingMainBand != 0 {
			panic("rasterpool: overview band closed with main band still referenced")
		}
	}
	if b.maskBand != nil && b.maskBand.refCountUnderlyingMainBand != 0 {
		panic("rasterpool: mask band closed with main band still referenced")
	}
}

var _ Band = (*ProxyBand)(nil)

// ProxyOverviewBand proxies one overview of a main proxy band. It pins the
// underlying dataset through the main band's bracket and descends to the
// requested overview inside it.
type ProxyOverviewBand struct {
	ProxyBand

	mainBand      *ProxyBand
	overviewIndex int

	// refCountUnderlyingMainBand tracks pins of the main band taken on
	// behalf of this overview. It must be zero when the owning dataset is
	// closed.
	refCountUnderlyingMainBand int
}

func (ob *ProxyOverviewBand) refUnderlyingBand() (Band, error) {
	mb, err := ob.mainBand.refUnderlyingBand()
	if err != nil {
		return nil, err
	}
	ob.refCountUnderlyingMainBand++

	uo, err := mb.Overview(ob.overviewIndex)
	if err != nil || uo == nil {
		ob.refCountUnderlyingMainBand--
		ob.mainBand.unrefUnderlyingBand(mb)
		if err == nil {
			err = ErrNoOverview
		}
		return nil, err
	}
	return uo, nil
}

func (ob *ProxyOverviewBand) unrefUnderlyingBand(Band) {
	ob.mainBand.unrefUnderlyingBand(nil)
	ob.refCountUnderlyingMainBand--
}

// ProxyMaskBand proxies the mask of a main proxy band, descending through
// the main band's bracket like ProxyOverviewBand.
type ProxyMaskBand struct {
	ProxyBand

	mainBand *ProxyBand

	// refCountUnderlyingMainBand must be zero when the owning dataset is
	// closed.
	refCountUnderlyingMainBand int
}

func (mb *ProxyMaskBand) refUnderlyingBand() (Band, error) {
	um, err := mb.mainBand.refUnderlyingBand()
	if err != nil {
		return nil, err
	}
	mb.refCountUnderlyingMainBand++

	u, err := um.MaskBand()
	if err != nil || u == nil {
		mb.refCountUnderlyingMainBand--
		mb.mainBand.unrefUnderlyingBand(um)
		if err == nil {
			err = fmt.Errorf("underlying band has no mask: %w", ErrNotSupported)
		}
		return nil, err
	}
	return u, nil
}

func (mb *ProxyMaskBand) unrefUnderlyingBand(Band) {
	mb.mainBand.unrefUnderlyingBand(nil)
	mb.refCountUnderlyingMainBand--
}
