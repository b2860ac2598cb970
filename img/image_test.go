package img

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int, seed int) *image.NRGBA {
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x + 2*y + seed) * 7)
			m.Set(x, y, color.NRGBA{R: v, G: 255 - v, B: uint8(seed * 40), A: 255})
		}
	}
	return m
}

func writePNG(t *testing.T, name string, m image.Image) {
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0755))
	f, err := os.Create(name)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, m))
	require.NoError(t, f.Close())
}

func TestConvert(t *testing.T) {
	src := testImage(4, 3, 1)
	m, err := Convert(src, 4, 3, 3)
	require.NoError(t, err)
	r, g, b, _ := src.At(2, 1).RGBA()
	rgb := m.(*RGBImage).RGBAt(2, 1)
	assert.InDelta(t, float32(r)/0xffff, rgb.R, 1e-6)
	assert.InDelta(t, float32(g)/0xffff, rgb.G, 1e-6)
	assert.InDelta(t, float32(b)/0xffff, rgb.B, 1e-6)
	assert.Equal(t, rgb.R, m.Pixels(0)[2+1*4])

	gray, err := Convert(src, 8, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), gray.Bounds())
	assert.Equal(t, 1, gray.Channels())

	_, err = Convert(src, 4, 3, 2)
	assert.Error(t, err)
}

func newTestData(t *testing.T, n, size int) *Data {
	images := make([]Image, n)
	labels := make([]int32, n)
	for i := range images {
		m, err := Convert(testImage(size, size, i), size, size, 3)
		require.NoError(t, err)
		images[i] = m
		labels[i] = int32(i % 2)
	}
	d, err := NewData([]string{"a", "b"}, labels, images)
	require.NoError(t, err)
	return d
}

func TestTransform(t *testing.T) {
	d := newTestData(t, 4, 6)
	rng := rand.New(rand.NewSource(1))
	params := Params{Channels: 3, Height: 4, Width: 4}
	trans, err := NewTransformer(d, params, rng)
	require.NoError(t, err)
	assert.Equal(t, "None", trans.Trans.String())
	buf := make([]float32, 2*params.Size())
	trans.TransformBatch([]int{3, 1}, buf)
	// centre crop starts at (1, 1) in the source
	src := d.Images[3].Pixels(1)
	assert.Equal(t, src[1+1*6], buf[16])
	assert.Equal(t, src[4+4*6], buf[16+15])
	assert.Equal(t, d.Images[1].Pixels(0)[1+1*6], buf[params.Size()])

	// augmented crops stay within the source and flips mirror the row
	params.Augment = true
	trans, err = NewTransformer(d, params, rng)
	require.NoError(t, err)
	assert.Equal(t, "Crop HorizFlip", trans.Trans.String())
	pix := d.Images[0].Pixels(0)
	for i := 0; i < 20; i++ {
		out := make([]float32, params.Size())
		trans.Transform(d.Images[0], out, 0)
		found := false
		for oy := 0; oy <= 2; oy++ {
			for ox := 0; ox <= 2; ox++ {
				fwd, rev := true, true
				for x := 0; x < 4; x++ {
					fwd = fwd && out[x] == pix[ox+x+oy*6]
					rev = rev && out[x] == pix[ox+3-x+oy*6]
				}
				found = found || fwd || rev
			}
		}
		assert.True(t, found, "crop %d not found in source", i)
	}

	// normalisation needs the data set statistics
	params = Params{Channels: 3, Height: 6, Width: 6, Normalise: true}
	_, err = NewTransformer(d, params, rng)
	assert.Error(t, err)
	d.SetStats(GetStats(d.Images))
	trans, err = NewTransformer(d, params, rng)
	require.NoError(t, err)
	buf = make([]float32, 4*params.Size())
	trans.TransformBatch([]int{0, 1, 2, 3}, buf)
	var sum float64
	for i := 0; i < 4; i++ {
		for _, v := range buf[i*params.Size() : i*params.Size()+36] {
			sum += float64(v)
		}
	}
	assert.InDelta(t, 0, sum/(4*36), 1e-4)

	_, err = NewTransformer(d, Params{Channels: 3, Height: 8, Width: 8}, rng)
	assert.Error(t, err)
	_, err = NewTransformer(d, Params{Channels: 1, Height: 4, Width: 4}, rng)
	assert.Error(t, err)
}

func TestLoadFolders(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		class := []string{"cat", "dog"}[i%2]
		size := 5
		if i == 5 {
			size = 10
		}
		writePNG(t, filepath.Join(dir, class, string(rune('a'+i))+".png"), testImage(size, size, i))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dog", "notes.txt"), []byte("skip"), 0644))

	d, err := LoadDir(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, d.Classes())
	assert.Equal(t, []int{5, 5, 3}, d.Shape())
	assert.Equal(t, []int32{0, 0, 0, 1, 1, 1}, d.Labels)
	assert.FileExists(t, filepath.Join(dir, CacheFile))

	// second load comes from the cache
	d2, err := LoadDir(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, d.Labels, d2.Labels)
	assert.Equal(t, d.Images[2].Pixels(-1), d2.Images[2].Pixels(-1))

	gray, err := LoadDir(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5, 1}, gray.Shape())
}

func TestLoadCacheChanged(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"cat/a.png", "dog/b.png", "cat/c.png", "dog/d.png"} {
		writePNG(t, filepath.Join(dir, name), testImage(4, 4, i))
	}
	d, err := LoadDir(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 1, 1}, d.Labels)

	// remove one file and add another which is older than the cache
	require.NoError(t, os.Remove(filepath.Join(dir, "dog", "d.png")))
	added := filepath.Join(dir, "cat", "z.png")
	writePNG(t, added, testImage(4, 4, 9))
	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(added, old, old))

	d, err = LoadDir(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 0, 1}, d.Labels)
	assert.NotEmpty(t, d.Source)

	d2, err := LoadDir(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, d.Source, d2.Source)
	assert.Equal(t, d.Labels, d2.Labels)
}

func TestLoadBinary(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		buf.WriteByte(byte(i + 7))
		for j := 0; j < cifarRecord-1; j++ {
			buf.WriteByte(byte(j / cifarPlane * 100))
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_batch.bin"), buf.Bytes(), 0644))
	d, err := LoadDir(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, CIFARClasses, d.Classes())
	assert.Equal(t, []int32{7, 8, 9}, d.Labels)
	assert.Equal(t, []int{32, 32, 3}, d.Shape())
	rgb := d.Images[1].(*RGBImage).RGBAt(5, 9)
	assert.Equal(t, RGB{R: 0, G: 100.0 / 255, B: 200.0 / 255}, rgb)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "batches.meta.txt"), []byte("x\ny\n\n"), 0644))
	require.NoError(t, os.Remove(filepath.Join(dir, CacheFile)))
	_, err = LoadDir(dir, 3)
	assert.Error(t, err, "labels out of range for two classes")

	_, _, err = ReadCIFARBatch(bytes.NewReader(buf.Bytes()[:cifarRecord+10]), 3)
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "missing"), 3)
	assert.Error(t, err)
	_, err = LoadDir(t.TempDir(), 3)
	assert.Error(t, err)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cls"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cls", "bad.png"), []byte("not an image"), 0644))
	_, err = LoadDir(dir, 3)
	assert.Error(t, err)
}
