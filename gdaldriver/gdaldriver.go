// Package gdaldriver adapts the GDAL raster library to the pool's Source
// contract, so proxies can front real GDAL datasets.
//
// Register the adapter once at startup:
//
//	rasterpool.SetOpener(gdaldriver.Opener)
//
// The adapter stays strictly inside the Opener/Source boundary: format
// probing, driver selection, and virtual file systems all remain GDAL's
// business.
package gdaldriver

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lukeroth/gdal"

	rasterpool "github.com/tilevault/go-rasterpool"
)

// Opener opens path through GDAL. It satisfies rasterpool.Opener.
func Opener(path string, flags rasterpool.OpenFlag, _ []string) (rasterpool.Source, error) {
	access := gdal.ReadOnly
	if flags&rasterpool.OpenUpdate != 0 {
		access = gdal.Update
	}
	ds, err := gdal.Open(path, access)
	if err != nil {
		return nil, err
	}
	mode := rasterpool.ReadOnly
	if access == gdal.Update {
		mode = rasterpool.Update
	}
	return &source{ds: ds, access: mode}, nil
}

var toGDALType = map[rasterpool.DataType]gdal.DataType{
	rasterpool.TypeByte:    gdal.Byte,
	rasterpool.TypeUInt16:  gdal.UInt16,
	rasterpool.TypeInt16:   gdal.Int16,
	rasterpool.TypeUInt32:  gdal.UInt32,
	rasterpool.TypeInt32:   gdal.Int32,
	rasterpool.TypeFloat32: gdal.Float32,
	rasterpool.TypeFloat64: gdal.Float64,
}

var fromGDALType = map[gdal.DataType]rasterpool.DataType{
	gdal.Byte:    rasterpool.TypeByte,
	gdal.UInt16:  rasterpool.TypeUInt16,
	gdal.Int16:   rasterpool.TypeInt16,
	gdal.UInt32:  rasterpool.TypeUInt32,
	gdal.Int32:   rasterpool.TypeInt32,
	gdal.Float32: rasterpool.TypeFloat32,
	gdal.Float64: rasterpool.TypeFloat64,
}

// source wraps one open gdal.Dataset.
type source struct {
	ds     gdal.Dataset
	access rasterpool.Access
}

func (s *source) Close() error {
	s.ds.Close()
	return nil
}

func (s *source) RasterXSize() int { return s.ds.RasterXSize() }
func (s *source) RasterYSize() int { return s.ds.RasterYSize() }
func (s *source) RasterCount() int { return s.ds.RasterCount() }

func (s *source) Access() rasterpool.Access { return s.access }

func (s *source) Projection() string { return s.ds.Projection() }

func (s *source) SetProjection(wkt string) error { return s.ds.SetProjection(wkt) }

func (s *source) GeoTransform() (rasterpool.GeoTransform, error) {
	return rasterpool.GeoTransform(s.ds.GeoTransform()), nil
}

func (s *source) SetGeoTransform(gt rasterpool.GeoTransform) error {
	return s.ds.SetGeoTransform([6]float64(gt))
}

// The binding does not surface ground control points, so the adapter
// reports none.
func (s *source) GCPProjection() string  { return "" }
func (s *source) GCPCount() int          { return 0 }
func (s *source) GCPs() []rasterpool.GCP { return nil }

func (s *source) Metadata(domain string) []string {
	return s.ds.Metadata(domain)
}

func (s *source) MetadataItem(name, domain string) string {
	return s.ds.MetadataItem(name, domain)
}

func (s *source) Band(i int) (rasterpool.Band, error) {
	if i < 1 || i > s.ds.RasterCount() {
		return nil, rasterpool.ErrBandNotFound
	}
	return &band{src: s, rb: s.ds.RasterBand(i)}, nil
}

func (s *source) Read(wnd rasterpool.Window, dst []byte, bands []int) error {
	if bands == nil {
		bands = make([]int, s.ds.RasterCount())
		for i := range bands {
			bands[i] = i + 1
		}
	}
	per := len(dst) / len(bands)
	for i, bn := range bands {
		b, err := s.Band(bn)
		if err != nil {
			return err
		}
		if err := b.Read(wnd, dst[i*per:(i+1)*per]); err != nil {
			return err
		}
	}
	return nil
}

func (s *source) InternalHandle(request string) (any, error) {
	if request == "GDAL_DATASET" {
		return s.ds, nil
	}
	return nil, nil
}

// band wraps one gdal.RasterBand.
type band struct {
	src *source
	rb  gdal.RasterBand
}

func (b *band) XSize() int { return b.src.ds.RasterXSize() }
func (b *band) YSize() int { return b.src.ds.RasterYSize() }

func (b *band) DataType() rasterpool.DataType {
	return fromGDALType[b.rb.RasterDataType()]
}

func (b *band) BlockSize() (int, int) { return b.rb.BlockSize() }

func (b *band) Metadata(domain string) []string {
	return b.rb.Metadata(domain)
}

func (b *band) MetadataItem(name, domain string) string {
	return b.rb.MetadataItem(name, domain)
}

// Category names, units, and color tables are not surfaced by the binding.
func (b *band) CategoryNames() []string            { return nil }
func (b *band) UnitType() string                   { return "" }
func (b *band) ColorTable() *rasterpool.ColorTable { return nil }

func (b *band) OverviewCount() int { return b.rb.OverviewCount() }

func (b *band) Overview(i int) (rasterpool.Band, error) {
	if i < 0 || i >= b.rb.OverviewCount() {
		return nil, rasterpool.ErrNoOverview
	}
	ov := b.rb.Overview(i)
	return &overviewBand{band: band{src: b.src, rb: ov}}, nil
}

func (b *band) MaskBand() (rasterpool.Band, error) {
	return &band{src: b.src, rb: b.rb.GetMaskBand()}, nil
}

func (b *band) ReadBlock(bx, by int, dst []byte) error {
	bw, bh := b.rb.BlockSize()
	return b.Read(rasterpool.Window{
		XOff: bx * bw, YOff: by * bh, XSize: bw, YSize: bh,
	}, dst)
}

func (b *band) Read(wnd rasterpool.Window, dst []byte) error {
	n := wnd.XSize * wnd.YSize
	dt := b.DataType()
	if len(dst) != n*dt.Size() {
		return fmt.Errorf("gdal read: buffer length %d, want %d", len(dst), n*dt.Size())
	}

	switch dt {
	case rasterpool.TypeByte:
		return b.rb.IO(gdal.Read, wnd.XOff, wnd.YOff, wnd.XSize, wnd.YSize,
			dst, wnd.XSize, wnd.YSize, 0, 0)
	case rasterpool.TypeUInt16:
		buf := make([]uint16, n)
		if err := b.rb.IO(gdal.Read, wnd.XOff, wnd.YOff, wnd.XSize, wnd.YSize,
			buf, wnd.XSize, wnd.YSize, 0, 0); err != nil {
			return err
		}
		for i, v := range buf {
			binary.LittleEndian.PutUint16(dst[2*i:], v)
		}
	case rasterpool.TypeInt16:
		buf := make([]int16, n)
		if err := b.rb.IO(gdal.Read, wnd.XOff, wnd.YOff, wnd.XSize, wnd.YSize,
			buf, wnd.XSize, wnd.YSize, 0, 0); err != nil {
			return err
		}
		for i, v := range buf {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(v))
		}
	case rasterpool.TypeUInt32:
		buf := make([]uint32, n)
		if err := b.rb.IO(gdal.Read, wnd.XOff, wnd.YOff, wnd.XSize, wnd.YSize,
			buf, wnd.XSize, wnd.YSize, 0, 0); err != nil {
			return err
		}
		for i, v := range buf {
			binary.LittleEndian.PutUint32(dst[4*i:], v)
		}
	case rasterpool.TypeInt32:
		buf := make([]int32, n)
		if err := b.rb.IO(gdal.Read, wnd.XOff, wnd.YOff, wnd.XSize, wnd.YSize,
			buf, wnd.XSize, wnd.YSize, 0, 0); err != nil {
			return err
		}
		for i, v := range buf {
			binary.LittleEndian.PutUint32(dst[4*i:], uint32(v))
		}
	case rasterpool.TypeFloat32:
		buf := make([]float32, n)
		if err := b.rb.IO(gdal.Read, wnd.XOff, wnd.YOff, wnd.XSize, wnd.YSize,
			buf, wnd.XSize, wnd.YSize, 0, 0); err != nil {
			return err
		}
		for i, v := range buf {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
		}
	case rasterpool.TypeFloat64:
		buf := make([]float64, n)
		if err := b.rb.IO(gdal.Read, wnd.XOff, wnd.YOff, wnd.XSize, wnd.YSize,
			buf, wnd.XSize, wnd.YSize, 0, 0); err != nil {
			return err
		}
		for i, v := range buf {
			binary.LittleEndian.PutUint64(dst[8*i:], math.Float64bits(v))
		}
	default:
		return fmt.Errorf("gdal read: unsupported sample format %v", dt)
	}
	return nil
}

// overviewBand narrows a band wrapper to the overview's own geometry.
type overviewBand struct {
	band
}

func (o *overviewBand) XSize() int { return o.rb.XSize() }
func (o *overviewBand) YSize() int { return o.rb.YSize() }

var (
	_ rasterpool.Source = (*source)(nil)
	_ rasterpool.Band   = (*band)(nil)
)
