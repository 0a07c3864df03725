package rasterpool

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgryski/go-farm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestGrid writes a 4×4, two-band byte grid whose samples encode
// band*16 + row*4 + col.
func writeTestGrid(t *testing.T, dir, name string) string {
	t.Helper()
	data := make([]byte, 4*4*2)
	for b := 0; b < 2; b++ {
		for i := 0; i < 16; i++ {
			data[b*16+i] = byte(b*16 + i)
		}
	}
	path := filepath.Join(dir, name)
	require.NoError(t, WriteGrid(path, &GridDef{
		Width: 4, Height: 4, Bands: 2,
		DataType:     TypeByte,
		Projection:   `LOCAL_CS["grid"]`,
		GeoTransform: GeoTransform{5, 1, 0, 9, 0, -1},
		Data:         data,
	}))
	return path
}

func TestGridSource(t *testing.T) {
	t.Run("Header Round Trip", func(t *testing.T) {
		path := writeTestGrid(t, t.TempDir(), "a.rgrd")
		src, err := OpenGrid(path, ReadOnly)
		require.NoError(t, err)
		defer src.Close()

		assert.Equal(t, 4, src.RasterXSize())
		assert.Equal(t, 4, src.RasterYSize())
		assert.Equal(t, 2, src.RasterCount())
		assert.Equal(t, `LOCAL_CS["grid"]`, src.Projection())

		gt, err := src.GeoTransform()
		require.NoError(t, err)
		assert.Equal(t, GeoTransform{5, 1, 0, 9, 0, -1}, gt)

		assert.Equal(t, "RGRD", src.MetadataItem("FORMAT", ""))
		assert.Equal(t, "2", src.MetadataItem("BANDS", ""))
	})

	t.Run("Corrupt Headers Are Rejected", func(t *testing.T) {
		dir := t.TempDir()
		path := writeTestGrid(t, dir, "a.rgrd")
		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		bad := filepath.Join(dir, "magic.rgrd")
		mangled := append([]byte(nil), raw...)
		mangled[0] = 'X'
		require.NoError(t, os.WriteFile(bad, mangled, 0o644))
		_, err = OpenGrid(bad, ReadOnly)
		assert.ErrorIs(t, err, ErrGridMagic)

		bad = filepath.Join(dir, "crc.rgrd")
		mangled = append([]byte(nil), raw...)
		mangled[9]++ // width field, invalidates the checksum
		require.NoError(t, os.WriteFile(bad, mangled, 0o644))
		_, err = OpenGrid(bad, ReadOnly)
		assert.ErrorIs(t, err, ErrGridChecksum)

		bad = filepath.Join(dir, "short.rgrd")
		require.NoError(t, os.WriteFile(bad, raw[:len(raw)-4], 0o644))
		_, err = OpenGrid(bad, ReadOnly)
		assert.ErrorIs(t, err, ErrGridTruncated)
	})

	t.Run("Block And Window Reads", func(t *testing.T) {
		path := writeTestGrid(t, t.TempDir(), "a.rgrd")
		src, err := OpenGrid(path, ReadOnly)
		require.NoError(t, err)
		defer src.Close()

		b2, err := src.Band(2)
		require.NoError(t, err)

		row := make([]byte, 4)
		require.NoError(t, b2.ReadBlock(0, 1, row))
		assert.Equal(t, []byte{20, 21, 22, 23}, row)

		// 2×2 window in the lower right of band 1.
		b1, err := src.Band(1)
		require.NoError(t, err)
		wnd := make([]byte, 4)
		require.NoError(t, b1.Read(Window{XOff: 2, YOff: 2, XSize: 2, YSize: 2}, wnd))
		assert.Equal(t, []byte{10, 11, 14, 15}, wnd)

		_, err = src.Band(3)
		assert.ErrorIs(t, err, ErrBandNotFound)
		assert.Error(t, b1.ReadBlock(1, 0, row), "grid blocks are whole scanlines")
	})

	t.Run("Dataset Read Interleaves Bands", func(t *testing.T) {
		path := writeTestGrid(t, t.TempDir(), "a.rgrd")
		src, err := OpenGrid(path, ReadOnly)
		require.NoError(t, err)
		defer src.Close()

		dst := make([]byte, 2*2)
		require.NoError(t, src.Read(Window{XSize: 2, YSize: 1}, dst, []int{1, 2}))
		assert.Equal(t, []byte{0, 1, 16, 17}, dst)
	})

	t.Run("Rows Land In The Shared Tile Caches", func(t *testing.T) {
		path := writeTestGrid(t, t.TempDir(), "a.rgrd")
		src, err := OpenGrid(path, ReadOnly)
		require.NoError(t, err)
		defer src.Close()

		b, err := src.Band(1)
		require.NoError(t, err)
		require.NoError(t, b.ReadBlock(0, 3, make([]byte, 4)))

		key := tileKey{src: farm.Fingerprint64([]byte(path)), band: 1, row: 3}
		window, cache := tileCaches()
		_, inWindow := window.Get(key)
		_, inCache := cache.Get(key)
		assert.True(t, inWindow)
		assert.True(t, inCache)
	})

	t.Run("Mask Is All Valid", func(t *testing.T) {
		path := writeTestGrid(t, t.TempDir(), "a.rgrd")
		src, err := OpenGrid(path, ReadOnly)
		require.NoError(t, err)
		defer src.Close()

		b, err := src.Band(1)
		require.NoError(t, err)
		m, err := b.MaskBand()
		require.NoError(t, err)

		buf := make([]byte, 4)
		require.NoError(t, m.ReadBlock(0, 0, buf))
		assert.Equal(t, []byte{255, 255, 255, 255}, buf)
	})

	t.Run("GeoTransform Writes Need Update Access", func(t *testing.T) {
		path := writeTestGrid(t, t.TempDir(), "a.rgrd")

		ro, err := OpenGrid(path, ReadOnly)
		require.NoError(t, err)
		assert.ErrorIs(t, ro.SetGeoTransform(IdentityGeoTransform), ErrNotSupported)
		require.NoError(t, ro.Close())

		rw, err := OpenGrid(path, Update)
		require.NoError(t, err)
		want := GeoTransform{1, 2, 3, 4, 5, 6}
		require.NoError(t, rw.SetGeoTransform(want))
		require.NoError(t, rw.Close())

		// The rewritten header (including its checksum) must survive a
		// fresh open.
		again, err := OpenGrid(path, ReadOnly)
		require.NoError(t, err)
		defer again.Close()
		gt, err := again.GeoTransform()
		require.NoError(t, err)
		assert.Equal(t, want, gt)
	})

	t.Run("Projection Is Fixed At Creation", func(t *testing.T) {
		path := writeTestGrid(t, t.TempDir(), "a.rgrd")
		src, err := OpenGrid(path, Update)
		require.NoError(t, err)
		defer src.Close()
		assert.ErrorIs(t, src.SetProjection("other"), ErrNotSupported)
	})

	t.Run("Through The Pool", func(t *testing.T) {
		dir := t.TempDir()
		paths := make([]string, 3)
		for i := range paths {
			paths[i] = writeTestGrid(t, dir, fmt.Sprintf("tile-%d.rgrd", i))
		}

		prev := SetOpener(GridOpener)
		defer SetOpener(prev)
		SetMaxPoolSize(2)
		defer SetMaxPoolSize(0)
		refPool()
		defer func() {
			PreventDestroy()
			ForceDestroy()
		}()

		row := make([]byte, 4)
		for _, p := range paths {
			ds := NewProxyDataset(p, 4, 4, ReadOnly, false,
				WithGeoTransform(GeoTransform{5, 1, 0, 9, 0, -1}))
			ds.AddSrcBandDescription(TypeByte, 4, 1)

			b, err := ds.Band(1)
			require.NoError(t, err)
			require.NoError(t, b.ReadBlock(0, 0, row))
			assert.Equal(t, []byte{0, 1, 2, 3}, row)
			require.NoError(t, ds.Close())
		}

		// Three tiles through a two-slot pool: the eviction path ran.
		assert.LessOrEqual(t, len(poolPaths(t)), 2)
	})
}
