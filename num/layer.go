package num

import (
	"fmt"
	"math"
)

// Layer interface type represents a DNN layer
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
}

// StatsLayer is a batch normalisation layer which keeps running statistics for use at inference time
type StatsLayer interface {
	Layer
	Stats() (mean, variance Array)
}

type layerCPU interface {
	Layer
	fprop(threads int, train bool)
	bpropData(threads int)
	bpropFilter(threads int)
	bpropBias(threads int)
}

// Forward propagation, train flag selects batch statistics for batch norm layers
func Fprop(layer Layer, train bool) Function {
	l := layer.(layerCPU)
	return args(l.Type()+"_fprop", func(threads int) { l.fprop(threads, train) })
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(layerCPU)
	return args(l.Type()+"_bprop", l.bpropData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(layerCPU)
	return args(l.Type()+"_bprop_filter", l.bpropFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(layerCPU)
	return args(l.Type()+"_bprop_bias", l.bpropBias)
}

// Create new layers
func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int, noBias bool) Layer {
	if stride < 1 {
		stride = 1
	}
	ow, oh := (w+2*pad-size)/stride+1, (h+2*pad-size)/stride+1
	if ow < 1 || oh < 1 {
		panic(fmt.Sprintf("ConvLayer: filter size %d too large for %dx%d input", size, w, h))
	}
	l := &convCPU{
		layerBase: newLayerBase("conv", []int{w, h, depth, nBatch}, []int{ow, oh, nFeats, nBatch}),
		size:      size,
		stride:    stride,
		pad:       pad,
	}
	l.filterShape = []int{size, size, depth, nFeats}
	if !noBias {
		l.biasShape = []int{nFeats}
	}
	l.npos, l.nk = ow*oh, size*size*depth
	l.cols = make([]float32, nBatch*l.npos*l.nk)
	return l
}

func (d cpuDevice) MaxPoolLayer(inShape []int, size, stride int) Layer {
	if len(inShape) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	if stride < 1 {
		stride = size
	}
	w, h := inShape[0], inShape[1]
	ow, oh := (w-size)/stride+1, (h-size)/stride+1
	if ow < 1 || oh < 1 {
		panic(fmt.Sprintf("MaxPoolLayer: pool size %d too large for %dx%d input", size, w, h))
	}
	outShape := []int{ow, oh, inShape[2], inShape[3]}
	return &poolCPU{
		layerBase: newLayerBase("maxpool", inShape, outShape),
		size:      size,
		stride:    stride,
		index:     make([]int32, Prod(outShape)),
	}
}

func (d cpuDevice) BatchNormLayer(inShape []int, avgFactor, epsilon float64) Layer {
	if len(inShape) < 2 {
		panic("BatchNormLayer: expect at least 2 dimensional input")
	}
	nd := len(inShape)
	l := &batchNormCPU{
		layerBase: newLayerBase("batchnorm", inShape, inShape),
		avgFactor: float32(avgFactor),
		epsilon:   float32(epsilon),
		channels:  inShape[nd-2],
		batch:     inShape[nd-1],
		spatial:   Prod(inShape[:nd-2]),
	}
	l.filterShape = []int{l.channels}
	l.biasShape = []int{l.channels}
	l.runMean = newArrayCPU(Float32, []int{l.channels})
	l.runVar = newArrayCPU(Float32, []int{l.channels})
	for i := range l.runVar.f32 {
		l.runVar.f32[i] = 1
	}
	l.xhat = make([]float32, Prod(inShape))
	l.invStd = make([]float32, l.channels)
	return l
}

// common layer attributes
type layerBase struct {
	typ         string
	inShape     []int
	outShape    []int
	filterShape []int
	biasShape   []int
	src         Array
	diffDst     Array
	dst         *arrayCPU
	diffSrc     *arrayCPU
	w, b        Array
	dw, db      Array
}

func newLayerBase(typ string, inShape, outShape []int) layerBase {
	return layerBase{
		typ:      typ,
		inShape:  inShape,
		outShape: outShape,
		dst:      newArrayCPU(Float32, outShape),
		diffSrc:  newArrayCPU(Float32, inShape),
	}
}

func (l *layerBase) Type() string { return l.typ }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) FilterShape() []int { return l.filterShape }

func (l *layerBase) BiasShape() []int { return l.biasShape }

func (l *layerBase) HasParams() bool { return l.filterShape != nil }

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.diffSrc }

func (l *layerBase) SetSrc(a Array) {
	if a.Size() != Prod(l.inShape) {
		panic(fmt.Sprintf("%s: input shape %v does not match %v", l.typ, a.Dims(), l.inShape))
	}
	l.src = a
}

func (l *layerBase) SetDiffDst(a Array) {
	if a.Size() != Prod(l.outShape) {
		panic(fmt.Sprintf("%s: gradient shape %v does not match %v", l.typ, a.Dims(), l.outShape))
	}
	l.diffDst = a
}

func (l *layerBase) SetParams(W, B, dW, dB Array) {
	if !l.HasParams() {
		panic(l.typ + ": layer has no parameters")
	}
	if W.Size() != Prod(l.filterShape) || dW.Size() != W.Size() {
		panic(fmt.Sprintf("%s: weight shape should be %v", l.typ, l.filterShape))
	}
	if l.biasShape != nil && (B == nil || B.Size() != Prod(l.biasShape) || dB.Size() != B.Size()) {
		panic(fmt.Sprintf("%s: bias shape should be %v", l.typ, l.biasShape))
	}
	l.w, l.b, l.dw, l.db = W, B, dW, dB
}

func (l *layerBase) bpropFilter(threads int) {}

func (l *layerBase) bpropBias(threads int) {}

// convolution with im2col and matrix multiply, input and output are [width, height, channels, batch]
type convCPU struct {
	layerBase
	size, stride, pad int
	npos, nk          int
	cols              []float32
	dcols             []float32
	acc               []float32
}

func (l *convCPU) imageCols(n int) []float32 {
	sz := l.npos * l.nk
	return l.cols[n*sz : (n+1)*sz]
}

// visit calls fn(colIndex, srcIndex) for each element of the unrolled column matrix which maps to the image
func (l *convCPU) visit(n int, fn func(ci, si int)) {
	w, h, depth := l.inShape[0], l.inShape[1], l.inShape[2]
	ow, oh := l.outShape[0], l.outShape[1]
	base := n * w * h * depth
	for c := 0; c < depth; c++ {
		for ky := 0; ky < l.size; ky++ {
			for kx := 0; kx < l.size; kx++ {
				k := kx + l.size*(ky+l.size*c)
				for oy := 0; oy < oh; oy++ {
					iy := oy*l.stride + ky - l.pad
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*l.stride + kx - l.pad
						if ix < 0 || ix >= w {
							continue
						}
						fn(ox+ow*oy+l.npos*k, base+ix+w*(iy+h*c))
					}
				}
			}
		}
	}
}

func (l *convCPU) fprop(threads int, train bool) {
	src, dst, W := f32(l.src), l.dst.f32, f32(l.w)
	nfeats, nbatch := l.outShape[2], l.outShape[3]
	osize := l.npos * nfeats
	parallelFor(nbatch, threads, func(t, n int) {
		col := l.imageCols(n)
		for i := range col {
			col[i] = 0
		}
		l.visit(n, func(ci, si int) { col[ci] = src[si] })
		out := dst[n*osize : (n+1)*osize]
		gemm(NoTrans, NoTrans, []int{l.npos, l.nk}, []int{l.nk, nfeats}, []int{l.npos, nfeats}, 1, 0, col, W, out)
		if l.b != nil {
			for f, bias := range f32(l.b) {
				for p := f * l.npos; p < (f+1)*l.npos; p++ {
					out[p] += bias
				}
			}
		}
	})
}

func (l *convCPU) bpropData(threads int) {
	dsrc, W, grad := l.diffSrc.f32, f32(l.w), f32(l.diffDst)
	nfeats, nbatch := l.outShape[2], l.outShape[3]
	osize, isize := l.npos*nfeats, Prod(l.inShape[:3])
	csize := l.npos * l.nk
	if threads > nbatch {
		threads = nbatch
	}
	if len(l.dcols) < threads*csize {
		l.dcols = make([]float32, threads*csize)
	}
	parallelFor(nbatch, threads, func(t, n int) {
		dcol := l.dcols[t*csize : (t+1)*csize]
		gemm(NoTrans, Trans, []int{l.npos, nfeats}, []int{l.nk, nfeats}, []int{l.npos, l.nk}, 1, 0,
			grad[n*osize:(n+1)*osize], W, dcol)
		out := dsrc[n*isize : (n+1)*isize]
		for i := range out {
			out[i] = 0
		}
		l.visit(n, func(ci, si int) { dsrc[si] += dcol[ci] })
	})
}

func (l *convCPU) bpropFilter(threads int) {
	dW, grad := f32(l.dw), f32(l.diffDst)
	nfeats, nbatch := l.outShape[2], l.outShape[3]
	osize, wsize := l.npos*nfeats, l.nk*nfeats
	if threads > nbatch {
		threads = nbatch
	}
	if len(l.acc) < threads*wsize {
		l.acc = make([]float32, threads*wsize)
	}
	for i := range l.acc {
		l.acc[i] = 0
	}
	parallelFor(nbatch, threads, func(t, n int) {
		gemm(Trans, NoTrans, []int{l.npos, l.nk}, []int{l.npos, nfeats}, []int{l.nk, nfeats}, 1, 1,
			l.imageCols(n), grad[n*osize:(n+1)*osize], l.acc[t*wsize:(t+1)*wsize])
	})
	copy(dW, l.acc[:wsize])
	for t := 1; t < threads; t++ {
		for i, v := range l.acc[t*wsize : (t+1)*wsize] {
			dW[i] += v
		}
	}
}

func (l *convCPU) bpropBias(threads int) {
	if l.db == nil {
		return
	}
	dB, grad := f32(l.db), f32(l.diffDst)
	nfeats, nbatch := l.outShape[2], l.outShape[3]
	for f := range dB {
		var sum float32
		for n := 0; n < nbatch; n++ {
			base := (n*nfeats + f) * l.npos
			for _, v := range grad[base : base+l.npos] {
				sum += v
			}
		}
		dB[f] = sum
	}
}

// max pooling, index holds the source offset of the maximum for each output
type poolCPU struct {
	layerBase
	size, stride int
	index        []int32
}

func (l *poolCPU) fprop(threads int, train bool) {
	src, dst := f32(l.src), l.dst.f32
	w, h := l.inShape[0], l.inShape[1]
	ow, oh := l.outShape[0], l.outShape[1]
	planes := l.outShape[2] * l.outShape[3]
	parallelFor(planes, threads, func(t, p int) {
		ibase, obase := p*w*h, p*ow*oh
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := ibase + ox*l.stride + w*oy*l.stride
				for ky := 0; ky < l.size; ky++ {
					for kx := 0; kx < l.size; kx++ {
						i := ibase + ox*l.stride + kx + w*(oy*l.stride+ky)
						if src[i] > src[best] {
							best = i
						}
					}
				}
				o := obase + ox + ow*oy
				dst[o] = src[best]
				l.index[o] = int32(best)
			}
		}
	})
}

func (l *poolCPU) bpropData(threads int) {
	dsrc, grad := l.diffSrc.f32, f32(l.diffDst)
	for i := range dsrc {
		dsrc[i] = 0
	}
	for o, i := range l.index {
		dsrc[i] += grad[o]
	}
}

// batch normalisation over all but the channel axis, which is second from last
type batchNormCPU struct {
	layerBase
	avgFactor, epsilon       float32
	channels, batch, spatial int
	runMean, runVar          *arrayCPU
	xhat, invStd             []float32
}

func (l *batchNormCPU) Stats() (mean, variance Array) {
	return l.runMean, l.runVar
}

// calls fn(start, end) for each contiguous block of channel c
func (l *batchNormCPU) each(c int, fn func(start, end int)) {
	for n := 0; n < l.batch; n++ {
		start := l.spatial * (c + l.channels*n)
		fn(start, start+l.spatial)
	}
}

func (l *batchNormCPU) fprop(threads int, train bool) {
	src, dst := f32(l.src), l.dst.f32
	gamma, beta := f32(l.w), f32(l.b)
	m := float64(l.spatial * l.batch)
	parallelFor(l.channels, threads, func(t, c int) {
		var mean, variance float32
		if train {
			var sum, sum2 float64
			l.each(c, func(start, end int) {
				for _, v := range src[start:end] {
					sum += float64(v)
				}
			})
			mu := sum / m
			l.each(c, func(start, end int) {
				for _, v := range src[start:end] {
					d := float64(v) - mu
					sum2 += d * d
				}
			})
			mean, variance = float32(mu), float32(sum2/m)
			l.runMean.f32[c] = (1-l.avgFactor)*l.runMean.f32[c] + l.avgFactor*mean
			l.runVar.f32[c] = (1-l.avgFactor)*l.runVar.f32[c] + l.avgFactor*variance
		} else {
			mean, variance = l.runMean.f32[c], l.runVar.f32[c]
		}
		inv := float32(1 / math.Sqrt(float64(variance+l.epsilon)))
		l.invStd[c] = inv
		l.each(c, func(start, end int) {
			for i := start; i < end; i++ {
				l.xhat[i] = (src[i] - mean) * inv
				dst[i] = gamma[c]*l.xhat[i] + beta[c]
			}
		})
	})
}

// gradients for gamma and beta are also computed here as they are needed for the input gradient
func (l *batchNormCPU) bpropData(threads int) {
	grad, dsrc := f32(l.diffDst), l.diffSrc.f32
	gamma, dgamma, dbeta := f32(l.w), f32(l.dw), f32(l.db)
	m := float32(l.spatial * l.batch)
	parallelFor(l.channels, threads, func(t, c int) {
		var dg, db float32
		l.each(c, func(start, end int) {
			for i := start; i < end; i++ {
				dg += grad[i] * l.xhat[i]
				db += grad[i]
			}
		})
		dgamma[c], dbeta[c] = dg, db
		scale := gamma[c] * l.invStd[c] / m
		l.each(c, func(start, end int) {
			for i := start; i < end; i++ {
				dsrc[i] = scale * (m*grad[i] - db - l.xhat[i]*dg)
			}
		})
	})
}
