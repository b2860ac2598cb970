package web

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/jnb666/convnet/nnet"
	"github.com/jnb666/convnet/num"
)

const (
	aspectWeights    = 0.25
	factorMinWeights = 20
)

// color map definition
var cmap = [][3]float32{{0, 0, .5}, {0, 0, 1}, {0, .5, 1}, {0, 1, 1}, {.5, 1, .5}, {1, 1, 0}, {1, .5, 0}, {1, 0, 0}, {.5, 0, 0}}

// Weights for one conv or linear layer drawn as a grid of blocks, one per output feature.
// The bias is drawn as a border along the top and left of each block.
type weightImage struct {
	Layer    int
	Desc     string
	wix, wiy int
	wox, woy int
	border   int
	wData    []float32
	bData    []float32
	img      *image.NRGBA
}

func newWeightImage(index int, layer nnet.Layer) *weightImage {
	l, ok := layer.(nnet.ParamLayer)
	if !ok {
		return nil
	}
	W, B := l.Params()
	dims := W.Dims()
	w := &weightImage{Layer: index, Desc: fmt.Sprintf("%d: %s %v", index, layer.ToString(), dims)}
	switch len(dims) {
	case 2:
		// linear layer
		w.wiy, w.wix = factorise(dims[0], 0, 1)
		w.woy, w.wox = factorise(dims[1], factorMinWeights, aspectWeights)
		w.border = 1
	case 4:
		// convolutional layer, with input channels stacked vertically
		w.wix, w.wiy = dims[0], dims[1]*dims[2]
		if dims[2] == 1 {
			w.woy, w.wox = factorise(dims[3], factorMinWeights, aspectWeights)
		} else {
			w.woy, w.wox = 1, dims[3]
		}
		w.border = 2
	default:
		return nil
	}
	w.wData = make([]float32, W.Size())
	if B != nil {
		w.bData = make([]float32, B.Size())
	}
	w.img = image.NewNRGBA(image.Rect(0, 0, (w.wix+w.border)*w.wox, (w.wiy+w.border)*w.woy))
	return w
}

// read the current weights from the device, must be called from the training goroutine
func (w *weightImage) load(q num.Queue, layer nnet.Layer) {
	W, B := layer.(nnet.ParamLayer).Params()
	q.Call(num.Read(W, w.wData))
	if B != nil {
		q.Call(num.Read(B, w.bData))
	}
	q.Finish()
}

func (w *weightImage) draw() {
	var scale float32
	for _, v := range w.wData {
		scale = max(scale, float32(math.Abs(float64(v))))
	}
	if scale == 0 {
		scale = 1
	}
	bsize := w.wix * w.wiy
	for i := 0; i < w.wox*w.woy; i++ {
		xb, yb := w.block(i)
		if w.bData != nil {
			biasCol := mapColor(w.bData[i], -scale, scale)
			for j := 0; j < w.wix; j++ {
				w.img.Set(xb+j, yb, biasCol)
			}
			for j := 0; j < w.wiy; j++ {
				w.img.Set(xb, yb+j, biasCol)
			}
		}
		for j := 0; j < bsize; j++ {
			w.img.Set(xb+j%w.wix+1, yb+j/w.wix+1, mapColor(w.wData[i*bsize+j], -scale, scale))
		}
	}
}

func (w *weightImage) block(i int) (x, y int) {
	x = (w.wix + w.border) * (i % w.wox)
	y = (w.wiy + w.border) * (i / w.wox)
	return
}

// if n > nmin returns f1, f2 where f1*f2 = n and f1 <= aspect * f2 else 1, n
func factorise(n, nmin int, aspect float64) (f1, f2 int) {
	if n < 1 {
		panic("factorise: input must be >= 1")
	}
	if n > nmin {
		for f1 = int(math.Sqrt(float64(n) * aspect)); f1 > 1; f1-- {
			if n%f1 == 0 {
				return f1, n / f1
			}
		}
	}
	return 1, n
}

// convert value in range cmin:cmax to interpolated color from cmap
func mapColor(val float32, cmin, cmax float32) color.NRGBA {
	var col [3]float32
	ncol := len(cmap)
	switch {
	case val <= cmin:
		col = cmap[0]
	case val >= cmax:
		col = cmap[ncol-1]
	default:
		vsc := float32(ncol-1) * (val - cmin) / (cmax - cmin)
		ix := int(vsc)
		fx := vsc - float32(ix)
		for i := range col {
			col[i] = cmap[ix][i]*(1-fx) + cmap[ix+1][i]*fx
		}
	}
	return color.NRGBA{uint8(col[0] * 255), uint8(col[1] * 255), uint8(col[2] * 255), 255}
}
