// gridsource.go
//
// A self-contained Source implementation for flat binary grid files, used
// by the examples and as the reference driver in tests. Grid files are
// memory-mapped; the mapping is the expensive handle the pool opens and
// closes around accesses.
//
// Decoded scanlines flow through a two-level, process-wide tile cache: a
// small window of the most recently read rows in front of a larger
// adaptive replacement cache that balances recency and frequency. Entries
// are keyed by a fingerprint of the source path, so all grid sources share
// both levels. Cached rows are never invalidated; a grid file is assumed
// immutable while any source reads it.

package rasterpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"sync"

	"github.com/dgryski/go-farm"
	arc "github.com/hashicorp/golang-lru/arc/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/mmap"
)

var (
	ErrGridMagic     = errors.New("grid corrupt: bad magic")
	ErrGridVersion   = errors.New("grid corrupt: unsupported version")
	ErrGridChecksum  = errors.New("grid corrupt: header checksum mismatch")
	ErrGridTruncated = errors.New("grid corrupt: file shorter than declared raster")
)

// Grid file layout (little endian):
//
//	0   magic "RGRD"
//	4   uint16 version (1)
//	6   uint16 sample format (DataType)
//	8   uint32 width
//	12  uint32 height
//	16  uint32 band count
//	20  6 × float64 geotransform
//	68  uint32 projection length
//	72  uint32 CRC-32 (IEEE) of bytes [0, 72)
//	76  projection WKT
//	…   samples, band-major then row-major
const (
	gridMagic      = "RGRD"
	gridVersion    = 1
	gridHeaderSize = 76
)

const (
	// tileWindowEntries bounds the first-level row window. It only needs
	// to absorb the bands of a handful of sources being mosaicked at once.
	tileWindowEntries = 64

	// tileCacheEntries bounds the second-level ARC cache of hot rows.
	tileCacheEntries = 4096
)

// tileKey identifies one cached scanline. The source path is reduced to a
// fingerprint so the key stays fixed-size and the caches can be shared by
// every open grid.
type tileKey struct {
	src  uint64
	band uint32
	row  uint32
}

var (
	tileOnce   sync.Once
	tileWindow *lru.Cache[tileKey, []byte]
	tileCache  *arc.ARCCache[tileKey, []byte]
)

func tileCaches() (*lru.Cache[tileKey, []byte], *arc.ARCCache[tileKey, []byte]) {
	tileOnce.Do(func() {
		// Neither constructor can fail with a positive fixed size.
		tileWindow, _ = lru.New[tileKey, []byte](tileWindowEntries)
		tileCache, _ = arc.NewARC[tileKey, []byte](tileCacheEntries)
	})
	return tileWindow, tileCache
}

// GridDef describes a grid to be written by WriteGrid.
type GridDef struct {
	Width, Height int
	Bands         int
	DataType      DataType
	Projection    string
	GeoTransform  GeoTransform

	// Data holds the samples, band-major then row-major. Its length must
	// be Width*Height*Bands*DataType.Size().
	Data []byte
}

// WriteGrid writes def to path in the grid format read by OpenGrid.
func WriteGrid(path string, def *GridDef) error {
	want := def.Width * def.Height * def.Bands * def.DataType.Size()
	if len(def.Data) != want {
		return fmt.Errorf("grid data length %d, want %d", len(def.Data), want)
	}

	hdr := make([]byte, gridHeaderSize)
	copy(hdr, gridMagic)
	binary.LittleEndian.PutUint16(hdr[4:], gridVersion)
	binary.LittleEndian.PutUint16(hdr[6:], uint16(def.DataType))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(def.Width))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(def.Height))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(def.Bands))
	for i, v := range def.GeoTransform {
		binary.LittleEndian.PutUint64(hdr[20+8*i:], math.Float64bits(v))
	}
	binary.LittleEndian.PutUint32(hdr[68:], uint32(len(def.Projection)))
	binary.LittleEndian.PutUint32(hdr[72:], crc32.ChecksumIEEE(hdr[:72]))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return err
	}
	if _, err := f.WriteString(def.Projection); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(def.Data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// gridSource is an open grid file.
type gridSource struct {
	path string
	fp   uint64 // farm fingerprint of path, keys the shared tile caches

	ra     *mmap.ReaderAt
	file   *os.File // non-nil in update mode, for header writes
	access Access

	width, height, bands int
	dataType             DataType
	geoTransform         GeoTransform
	projection           string
	dataOff              int64
}

// OpenGrid memory-maps the grid file at path and validates its header.
func OpenGrid(path string, access Access) (Source, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, gridHeaderSize)
	if _, err := ra.ReadAt(hdr, 0); err != nil {
		ra.Close()
		return nil, fmt.Errorf("grid header: %w", err)
	}
	if string(hdr[:4]) != gridMagic {
		ra.Close()
		return nil, ErrGridMagic
	}
	if binary.LittleEndian.Uint16(hdr[4:]) != gridVersion {
		ra.Close()
		return nil, ErrGridVersion
	}
	if binary.LittleEndian.Uint32(hdr[72:]) != crc32.ChecksumIEEE(hdr[:72]) {
		ra.Close()
		return nil, ErrGridChecksum
	}

	s := &gridSource{
		path:     path,
		fp:       farm.Fingerprint64([]byte(path)),
		ra:       ra,
		access:   access,
		dataType: DataType(binary.LittleEndian.Uint16(hdr[6:])),
		width:    int(binary.LittleEndian.Uint32(hdr[8:])),
		height:   int(binary.LittleEndian.Uint32(hdr[12:])),
		bands:    int(binary.LittleEndian.Uint32(hdr[16:])),
	}
	for i := range s.geoTransform {
		s.geoTransform[i] = math.Float64frombits(binary.LittleEndian.Uint64(hdr[20+8*i:]))
	}

	projLen := int(binary.LittleEndian.Uint32(hdr[68:]))
	proj := make([]byte, projLen)
	if projLen > 0 {
		if _, err := ra.ReadAt(proj, gridHeaderSize); err != nil {
			ra.Close()
			return nil, fmt.Errorf("grid projection: %w", err)
		}
	}
	s.projection = string(proj)
	s.dataOff = int64(gridHeaderSize + projLen)

	if int64(ra.Len()) < s.dataOff+int64(s.width*s.height*s.bands*s.dataType.Size()) {
		ra.Close()
		return nil, ErrGridTruncated
	}

	if access == Update {
		s.file, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			ra.Close()
			return nil, err
		}
	}
	return s, nil
}

// GridOpener adapts OpenGrid to the pool's Opener contract.
func GridOpener(path string, flags OpenFlag, _ []string) (Source, error) {
	access := ReadOnly
	if flags&OpenUpdate != 0 {
		access = Update
	}
	return OpenGrid(path, access)
}

func (s *gridSource) Close() error {
	err := s.ra.Close()
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *gridSource) RasterXSize() int { return s.width }
func (s *gridSource) RasterYSize() int { return s.height }
func (s *gridSource) Access() Access { return s.access }
func (s *gridSource) RasterCount() int { return s.bands }

func (s *gridSource) Projection() string { return s.projection }

// SetProjection is unsupported: the projection is stored inline ahead of
// the sample data, so resizing it would shift the whole raster.
func (s *gridSource) SetProjection(string) error {
	return fmt.Errorf("grid projection is fixed at creation: %w", ErrNotSupported)
}

func (s *gridSource) GeoTransform() (GeoTransform, error) { return s.geoTransform, nil }

// SetGeoTransform rewrites the fixed-size transform field of the header.
// It requires update access.
func (s *gridSource) SetGeoTransform(gt GeoTransform) error {
	if s.access != Update {
		return fmt.Errorf("grid opened read-only: %w", ErrNotSupported)
	}
	s.geoTransform = gt

	hdr := make([]byte, gridHeaderSize)
	if _, err := s.ra.ReadAt(hdr[:72], 0); err != nil {
		return err
	}
	for i, v := range gt {
		binary.LittleEndian.PutUint64(hdr[20+8*i:], math.Float64bits(v))
	}
	binary.LittleEndian.PutUint32(hdr[72:], crc32.ChecksumIEEE(hdr[:72]))
	if _, err := s.file.WriteAt(hdr[20:gridHeaderSize], 20); err != nil {
		return err
	}
	return nil
}

func (s *gridSource) GCPProjection() string { return "" }
func (s *gridSource) GCPCount() int { return 0 }
func (s *gridSource) GCPs() []GCP { return nil }

func (s *gridSource) Metadata(domain string) []string {
	if domain != "" {
		return nil
	}
	return []string{
		"FORMAT=RGRD",
		fmt.Sprintf("BANDS=%d", s.bands),
		fmt.Sprintf("SAMPLE_TYPE=%s", s.dataType),
	}
}

func (s *gridSource) MetadataItem(name, domain string) string {
	prefix := name + "="
	for _, kv := range s.Metadata(domain) {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}

func (s *gridSource) Band(i int) (Band, error) {
	if i < 1 || i > s.bands {
		return nil, ErrBandNotFound
	}
	return &gridBand{src: s, band: i}, nil
}

func (s *gridSource) Read(wnd Window, dst []byte, bands []int) error {
	if bands == nil {
		bands = make([]int, s.bands)
		for i := range bands {
			bands[i] = i + 1
		}
	}
	rowBytes := wnd.XSize * s.dataType.Size()
	if len(dst) != rowBytes*wnd.YSize*len(bands) {
		return fmt.Errorf("grid read: buffer length %d, want %d", len(dst), rowBytes*wnd.YSize*len(bands))
	}
	for bi, bn := range bands {
		b, err := s.Band(bn)
		if err != nil {
			return err
		}
		off := bi * rowBytes * wnd.YSize
		if err := b.Read(wnd, dst[off:off+rowBytes*wnd.YSize]); err != nil {
			return err
		}
	}
	return nil
}

func (s *gridSource) InternalHandle(request string) (any, error) {
	if request == "MMAP" {
		return s.ra, nil
	}
	return nil, nil
}

// readRow returns one decoded scanline of one band, consulting the shared
// tile caches first. The returned slice is shared and must not be mutated.
func (s *gridSource) readRow(band, y int) ([]byte, error) {
	key := tileKey{src: s.fp, band: uint32(band), row: uint32(y)}
	window, cache := tileCaches()

	// Fast path: the tiny window of rows read moments ago.
	if row, ok := window.Get(key); ok {
		return row, nil
	}
	// Second level: hot rows that keep being re-read across sources.
	if row, ok := cache.Get(key); ok {
		window.Add(key, row)
		return row, nil
	}

	rowBytes := s.width * s.dataType.Size()
	row := make([]byte, rowBytes)
	off := s.dataOff + int64(((band-1)*s.height+y)*rowBytes)
	if _, err := s.ra.ReadAt(row, off); err != nil {
		return nil, err
	}
	window.Add(key, row)
	cache.Add(key, row)
	return row, nil
}

// gridBand is one band of a gridSource. Blocks are single scanlines.
type gridBand struct {
	src  *gridSource
	band int
}

func (b *gridBand) XSize() int { return b.src.width }
func (b *gridBand) YSize() int { return b.src.height }
func (b *gridBand) DataType() DataType { return b.src.dataType }
func (b *gridBand) BlockSize() (int, int) { return b.src.width, 1 }

func (b *gridBand) Metadata(domain string) []string { return nil }
func (b *gridBand) MetadataItem(name, domain string) string {
	return ""
}

func (b *gridBand) CategoryNames() []string { return nil }
func (b *gridBand) UnitType() string { return "" }
func (b *gridBand) ColorTable() *ColorTable { return nil }
func (b *gridBand) OverviewCount() int { return 0 }

func (b *gridBand) Overview(int) (Band, error) { return nil, ErrNoOverview }

// MaskBand returns the implicit all-valid mask.
func (b *gridBand) MaskBand() (Band, error) {
	return &gridMaskBand{src: b.src}, nil
}

func (b *gridBand) ReadBlock(bx, by int, dst []byte) error {
	if bx != 0 || by < 0 || by >= b.src.height {
		return fmt.Errorf("grid block (%d, %d) out of range", bx, by)
	}
	row, err := b.src.readRow(b.band, by)
	if err != nil {
		return err
	}
	copy(dst, row)
	return nil
}

func (b *gridBand) Read(wnd Window, dst []byte) error {
	size := b.src.dataType.Size()
	if wnd.XOff < 0 || wnd.YOff < 0 ||
		wnd.XOff+wnd.XSize > b.src.width || wnd.YOff+wnd.YSize > b.src.height {
		return fmt.Errorf("grid window %+v out of range", wnd)
	}
	if len(dst) != wnd.XSize*wnd.YSize*size {
		return fmt.Errorf("grid read: buffer length %d, want %d", len(dst), wnd.XSize*wnd.YSize*size)
	}
	for y := 0; y < wnd.YSize; y++ {
		row, err := b.src.readRow(b.band, wnd.YOff+y)
		if err != nil {
			return err
		}
		copy(dst[y*wnd.XSize*size:], row[wnd.XOff*size:(wnd.XOff+wnd.XSize)*size])
	}
	return nil
}

// gridMaskBand is the implicit all-valid mask of a grid band.
type gridMaskBand struct {
	src *gridSource
}

func (m *gridMaskBand) XSize() int { return m.src.width }
func (m *gridMaskBand) YSize() int { return m.src.height }
func (m *gridMaskBand) DataType() DataType { return TypeByte }
func (m *gridMaskBand) BlockSize() (int, int) { return m.src.width, 1 }

func (m *gridMaskBand) Metadata(string) []string { return nil }
func (m *gridMaskBand) MetadataItem(string, string) string { return "" }
func (m *gridMaskBand) CategoryNames() []string { return nil }
func (m *gridMaskBand) UnitType() string { return "" }
func (m *gridMaskBand) ColorTable() *ColorTable { return nil }
func (m *gridMaskBand) OverviewCount() int { return 0 }
func (m *gridMaskBand) Overview(int) (Band, error) { return nil, ErrNoOverview }
func (m *gridMaskBand) MaskBand() (Band, error) { return m, nil }

func (m *gridMaskBand) ReadBlock(bx, by int, dst []byte) error {
	if bx != 0 || by < 0 || by >= m.src.height {
		return fmt.Errorf("grid block (%d, %d) out of range", bx, by)
	}
	for i := range dst {
		dst[i] = 255
	}
	return nil
}

func (m *gridMaskBand) Read(wnd Window, dst []byte) error {
	for i := range dst {
		dst[i] = 255
	}
	return nil
}

var (
	_ Source = (*gridSource)(nil)
	_ Band   = (*gridBand)(nil)
	_ Band   = (*gridMaskBand)(nil)
)
