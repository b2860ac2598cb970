package img

import (
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"
)

const epsilon = 1e-5

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	Crop
	Normalise
)

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	Crop:      "Crop",
	Normalise: "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Params sets the size of the images fed to the network and whether they are augmented.
// Images larger than Height x Width are cropped, with a random crop position and horizontal flip
// for each sample when Augment is set, or from the centre otherwise.
type Params struct {
	Channels  int
	Height    int
	Width     int
	Augment   bool
	Normalise bool
}

// TransType returns the set of transforms applied for these parameters
func (p Params) TransType() TransType {
	t := NoTrans
	if p.Augment {
		t |= HorizFlip | Crop
	}
	if p.Normalise {
		t |= Normalise
	}
	return t
}

// Shape of each output image as width, height, channels
func (p Params) Shape() []int {
	return []int{p.Width, p.Height, p.Channels}
}

// Size is the number of input values per image
func (p Params) Size() int {
	return p.Channels * p.Height * p.Width
}

// Transformer crops, flips and normalises images on the way into the network.
type Transformer struct {
	Trans  TransType
	params Params
	data   *Data
	dx, dy int
	rng    []*rand.Rand
}

// Create a new transformer object which applies a sequence of image transformations
func NewTransformer(data *Data, params Params, rng *rand.Rand) (*Transformer, error) {
	sw, sh, ch := data.Dims[0], data.Dims[1], data.Dims[2]
	if ch != params.Channels {
		return nil, fmt.Errorf("images have %d channels, expecting %d", ch, params.Channels)
	}
	if params.Width > sw || params.Height > sh {
		return nil, fmt.Errorf("output size %dx%d larger than image size %dx%d", params.Width, params.Height, sw, sh)
	}
	t := &Transformer{
		Trans:  params.TransType(),
		params: params,
		data:   data,
		dx:     sw - params.Width,
		dy:     sh - params.Height,
	}
	if t.Trans&Normalise != 0 {
		if len(data.Mean) != ch || len(data.StdDev) != ch {
			return nil, fmt.Errorf("error applying normalisation - missing mean and stddev")
		}
	}
	threads := runtime.GOMAXPROCS(0)
	for i := 0; i < threads; i++ {
		t.rng = append(t.rng, rand.New(rand.NewSource(rng.Int63())))
	}
	return t, nil
}

// TransformBatch writes the transformed images with the given indexes to buf, one image after another.
// Work is shared between a pool of goroutines.
func (t *Transformer) TransformBatch(index []int, buf []float32) {
	size := t.params.Size()
	if len(buf) < len(index)*size {
		panic(fmt.Sprintf("TransformBatch: buffer size %d too small", len(buf)))
	}
	var wg sync.WaitGroup
	queue := make(chan int, len(t.rng))
	for thread := range t.rng {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			for i := range queue {
				t.Transform(t.data.Images[index[i]], buf[i*size:(i+1)*size], thread)
			}
		}(thread)
	}
	for i := range index {
		queue <- i
	}
	close(queue)
	wg.Wait()
}

// Transform a single image into dst using the random source for the given thread
func (t *Transformer) Transform(src Image, dst []float32, thread int) {
	w, h := t.params.Width, t.params.Height
	sw := src.Bounds().Dx()
	ox, oy, flip := t.dx/2, t.dy/2, false
	if t.Trans&Crop != 0 {
		rng := t.rng[thread]
		ox = rng.Intn(t.dx + 1)
		oy = rng.Intn(t.dy + 1)
	}
	if t.Trans&HorizFlip != 0 {
		flip = t.rng[thread].Float64() > 0.5
	}
	for ch := 0; ch < t.params.Channels; ch++ {
		pix := src.Pixels(ch)
		out := dst[ch*w*h : (ch+1)*w*h]
		mean, scale := float32(0), float32(1)
		if t.Trans&Normalise != 0 {
			mean, scale = t.data.Mean[ch], 1/(t.data.StdDev[ch]+epsilon)
		}
		for y := 0; y < h; y++ {
			row := pix[(y+oy)*sw+ox:]
			for x := 0; x < w; x++ {
				sx := x
				if flip {
					sx = w - x - 1
				}
				out[x+y*w] = (row[sx] - mean) * scale
			}
		}
	}
}
