package num

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randNormal(rng *rand.Rand, n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rng.NormFloat64())
	}
	return res
}

// naive direct convolution for comparison, layout is [w, h, c, n] and filter [k, k, c, f]
func directConv(src, filter, bias []float32, w, h, depth, n, nfeats, size, stride, pad int) []float32 {
	ow, oh := (w+2*pad-size)/stride+1, (h+2*pad-size)/stride+1
	out := make([]float32, ow*oh*nfeats*n)
	for b := 0; b < n; b++ {
		for f := 0; f < nfeats; f++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := bias[f]
					for c := 0; c < depth; c++ {
						for ky := 0; ky < size; ky++ {
							for kx := 0; kx < size; kx++ {
								ix, iy := ox*stride+kx-pad, oy*stride+ky-pad
								if ix < 0 || ix >= w || iy < 0 || iy >= h {
									continue
								}
								sum += src[ix+w*(iy+h*(c+depth*b))] * filter[kx+size*(ky+size*(c+depth*f))]
							}
						}
					}
					out[ox+ow*(oy+oh*(f+nfeats*b))] = sum
				}
			}
		}
	}
	return out
}

// gradient of sum(dst*r) with respect to the layer input by central differences
func numericGrad(t *testing.T, q Queue, l Layer, x Array, xd, r []float32, train bool) []float32 {
	const eps = 1e-2
	out := make([]float32, Prod(l.OutShape()))
	loss := func() float64 {
		q.Call(Write(x, xd), Fprop(l, train), Read(l.Dst(), out)).Finish()
		var sum float64
		for i, v := range out {
			sum += float64(v) * float64(r[i])
		}
		return sum
	}
	grad := make([]float32, len(xd))
	for i := range xd {
		save := xd[i]
		xd[i] = save + eps
		l1 := loss()
		xd[i] = save - eps
		l2 := loss()
		xd[i] = save
		grad[i] = float32((l1 - l2) / (2 * eps))
	}
	return grad
}

func TestConvLayer(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	dev := NewCPUDevice()
	for _, test := range []struct {
		name                                     string
		w, h, depth, n, nfeats, size, stride, pad int
	}{
		{"valid", 6, 6, 2, 3, 4, 3, 1, 0},
		{"padded", 5, 5, 3, 2, 2, 3, 1, 1},
		{"strided", 7, 7, 1, 2, 3, 3, 2, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			q := dev.NewQueue(2)
			l := dev.ConvLayer(test.n, test.depth, test.h, test.w, test.nfeats, test.size, test.stride, test.pad, false)
			require.Equal(t, []int{test.size, test.size, test.depth, test.nfeats}, l.FilterShape())
			x := dev.NewArray(Float32, l.InShape()...)
			W := dev.NewArray(Float32, l.FilterShape()...)
			B := dev.NewArray(Float32, l.BiasShape()...)
			dW := dev.NewArray(Float32, l.FilterShape()...)
			dB := dev.NewArray(Float32, l.BiasShape()...)
			grad := dev.NewArray(Float32, l.OutShape()...)
			l.SetParams(W, B, dW, dB)
			l.SetSrc(x)
			l.SetDiffDst(grad)

			xd := randNormal(rng, x.Size())
			wd := randNormal(rng, W.Size())
			bd := randNormal(rng, B.Size())
			r := randNormal(rng, grad.Size())
			out := make([]float32, grad.Size())
			q.Call(
				Write(x, xd), Write(W, wd), Write(B, bd), Write(grad, r),
				Fprop(l, true),
				Read(l.Dst(), out),
			).Finish()
			expect := directConv(xd, wd, bd, test.w, test.h, test.depth, test.n, test.nfeats, test.size, test.stride, test.pad)
			assert.InDeltaSlice(t, expect, out, 1e-4)

			dsrc := make([]float32, x.Size())
			dwd := make([]float32, W.Size())
			dbd := make([]float32, B.Size())
			q.Call(
				BpropData(l), BpropFilter(l), BpropBias(l),
				Read(l.DiffSrc(), dsrc), Read(dW, dwd), Read(dB, dbd),
			).Finish()
			assert.InDeltaSlice(t, numericGrad(t, q, l, x, xd, r, true), dsrc, 1e-2)

			// output is linear in the weights so dW[i] = sum(r * out(w=e_i, b=0))
			zero := make([]float32, B.Size())
			for i := 0; i < len(wd); i += 3 {
				unit := make([]float32, len(wd))
				unit[i] = 1
				o := directConv(xd, unit, zero, test.w, test.h, test.depth, test.n, test.nfeats, test.size, test.stride, test.pad)
				var sum float64
				for j := range o {
					sum += float64(o[j]) * float64(r[j])
				}
				assert.InDelta(t, sum, dwd[i], 1e-3)
			}
			npos := grad.Size() / (test.n * test.nfeats)
			for f := range dbd {
				var sum float64
				for b := 0; b < test.n; b++ {
					for p := 0; p < npos; p++ {
						sum += float64(r[p+npos*(f+test.nfeats*b)])
					}
				}
				assert.InDelta(t, sum, dbd[f], 1e-4)
			}
		})
	}
}

func TestMaxPoolLayer(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	l := dev.MaxPoolLayer([]int{5, 5, 1, 1}, 2, 0)
	require.Equal(t, []int{2, 2, 1, 1}, l.OutShape())
	assert.False(t, l.HasParams())
	x := dev.NewArray(Float32, 5, 5, 1, 1)
	grad := dev.NewArray(Float32, 2, 2, 1, 1)
	l.SetSrc(x)
	l.SetDiffDst(grad)
	xd := make([]float32, 25)
	for i := range xd {
		xd[i] = float32(i % 7)
	}
	out := make([]float32, 4)
	dsrc := make([]float32, 25)
	q.Call(
		Write(x, xd),
		Write(grad, []float32{1, 2, 3, 4}),
		Fprop(l, true),
		BpropData(l),
		Read(l.Dst(), out),
		Read(l.DiffSrc(), dsrc),
	).Finish()
	// windows: {0,1,5,6} {2,3,7,8} {10,11,15,16} {12,13,17,18}
	assert.Equal(t, []float32{6, 3, 4, 6}, out)
	expect := make([]float32, 25)
	expect[6], expect[3], expect[11], expect[13] = 1, 2, 3, 4
	assert.Equal(t, expect, dsrc)
}

func TestBatchNormLayer(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	dev := NewCPUDevice()
	for _, shape := range [][]int{{3, 3, 2, 4}, {5, 6}} {
		q := dev.NewQueue(2)
		l := dev.BatchNormLayer(shape, 0.1, 1e-5)
		channels := shape[len(shape)-2]
		require.Equal(t, []int{channels}, l.FilterShape())
		x := dev.NewArray(Float32, shape...)
		gamma := dev.NewArray(Float32, channels)
		beta := dev.NewArray(Float32, channels)
		dgamma := dev.NewArray(Float32, channels)
		dbeta := dev.NewArray(Float32, channels)
		grad := dev.NewArray(Float32, shape...)
		l.SetParams(gamma, beta, dgamma, dbeta)
		l.SetSrc(x)
		l.SetDiffDst(grad)

		xd := randNormal(rng, x.Size())
		for i := range xd {
			xd[i] = 2*xd[i] + 1
		}
		r := randNormal(rng, x.Size())
		gd := []float32{1.5, 0.5, 1, 2, 0.8}[:channels]
		out := make([]float32, x.Size())
		q.Call(
			Write(x, xd), Write(gamma, gd), Fill(beta, 0.25), Write(grad, r),
			Fprop(l, true),
			Read(l.Dst(), out),
		).Finish()

		// normalised output has mean beta and stddev gamma per channel
		spatial := Prod(shape[:len(shape)-2])
		batch := shape[len(shape)-1]
		for c := 0; c < channels; c++ {
			var sum, sum2 float64
			for b := 0; b < batch; b++ {
				for s := 0; s < spatial; s++ {
					v := float64(out[s+spatial*(c+channels*b)])
					sum += v
					sum2 += v * v
				}
			}
			m := float64(spatial * batch)
			mean := sum / m
			assert.InDelta(t, 0.25, mean, 1e-4)
			assert.InDelta(t, float64(gd[c]), math.Sqrt(sum2/m-mean*mean), 1e-2)
		}

		dsrc := make([]float32, x.Size())
		q.Call(BpropData(l), Read(l.DiffSrc(), dsrc)).Finish()
		assert.InDeltaSlice(t, numericGrad(t, q, l, x, xd, r, true), dsrc, 2e-2)

		mean, variance := l.(StatsLayer).Stats()
		md := make([]float32, channels)
		q.Call(Read(mean, md)).Finish()
		for _, v := range md {
			assert.NotZero(t, v)
		}
		// inference mode uses the running statistics
		q.Call(Fill(mean, 0), Fill(variance, 1), Write(x, xd), Fprop(l, false), Read(l.Dst(), out)).Finish()
		for i := 0; i < spatial; i++ {
			expect := gd[0]*xd[i]/float32(math.Sqrt(1+1e-5)) + 0.25
			assert.InDelta(t, expect, out[i], 1e-4)
		}
	}
}
