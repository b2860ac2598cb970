// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	switch t {
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("DataType(%d)", int(t))
	}
}

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return args("copy", func(int) {
		switch d := data.(type) {
		case []float32:
			checkLen("Read", d, a.Size())
			copy(d, f32(a))
		case []int32:
			checkLen("Read", d, a.Size())
			copy(d, i32(a))
		default:
			panic(fmt.Sprintf("Read: invalid data type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	switch d := data.(type) {
	case []float32:
		checkLen("Write", d, a.Size())
		return args("copy", func(int) { copy(f32(a), d) })
	case []int32:
		checkLen("Write", d, a.Size())
		return args("copy", func(int) { copy(i32(a), d) })
	default:
		panic(fmt.Sprintf("Write: invalid data type %T", data))
	}
}

func checkLen[T any](op string, data []T, size int) {
	if len(data) < size {
		panic(fmt.Sprintf("%s: slice length %d less than array size %d", op, len(data), size))
	}
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		if a.Dtype() == Int32 {
			x := i32(a)
			for i := range x {
				x[i] = int32(scalar)
			}
		} else {
			x := f32(a)
			for i := range x {
				x[i] = scalar
			}
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed.
// A column vector [rows, 1] is tiled across columns, a row vector [cols] or [1, cols] is tiled down rows.
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) || (len(sdim) != 2 && len(ddim) != 2 && Prod(sdim) == Prod(ddim)) {
		return args("copy", func(int) {
			if dst.Dtype() == Int32 {
				copy(i32(dst), i32(src))
			} else {
				copy(f32(dst), f32(src))
			}
		})
	}
	if len(ddim) != 2 || dst.Dtype() != Float32 {
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
	rows, cols := ddim[0], ddim[1]
	switch {
	case len(sdim) == 2 && sdim[1] == 1 && sdim[0] == rows:
		return args("tile0", func(int) {
			d, s := f32(dst), f32(src)
			for c := 0; c < cols; c++ {
				copy(d[c*rows:(c+1)*rows], s)
			}
		})
	case (len(sdim) == 1 && sdim[0] == cols) || (len(sdim) == 2 && sdim[0] == 1 && sdim[1] == cols):
		return args("tile1", func(int) {
			d, s := f32(dst), f32(src)
			for c := 0; c < cols; c++ {
				for r := 0; r < rows; r++ {
					d[r+c*rows] = s[c]
				}
			}
		})
	default:
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return args("neq", func(int) {
		a, b, r := i32(x), i32(y), i32(res)
		for i := range r {
			if a[i] != b[i] {
				r[i] = 1
			} else {
				r[i] = 0
			}
		}
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return args("onehot", func(int) {
		labels, out := i32(x), f32(y)
		for i := range out {
			out[i] = 0
		}
		for i, label := range labels {
			if label < 0 || int(label) >= classes {
				panic(fmt.Sprintf("Onehot: label %d out of range", label))
			}
			out[int(label)+i*classes] = 1
		}
	})
}

// Convert from OneHot format back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	rows := xdim[0]
	return args("unhot", func(int) {
		in, labels := f32(x), i32(y)
		for c := range labels {
			col := in[c*rows : (c+1)*rows]
			best := 0
			for r, v := range col {
				if v > col[best] {
					best = r
				}
			}
			labels[c] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return args("scale", func(int) {
		blas32.Scal(alpha, vector(f32(x)))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return args("axpy", func(int) {
		blas32.Axpy(alpha, vector(f32(x)), vector(f32(y)))
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func(int) {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range i32(a) {
				sum += float64(v)
			}
		} else {
			for _, v := range f32(a) {
				sum += float64(v)
			}
		}
		f32(total)[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// column major m x n matrix is the transpose of a row major n x m one
	tA := blas.Trans
	if aTrans == Trans {
		tA = blas.NoTrans
	}
	return args("gemv", func(int) {
		a := blas32.General{Rows: n, Cols: m, Stride: m, Data: f32(mA)}
		blas32.Gemv(tA, alpha, a, vector(f32(x)), beta, vector(f32(y)))
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func(int) {
		gemm(aTrans, bTrans, adim, bdim, cdim, alpha, beta, f32(mA), f32(mB), f32(mC))
	})
}

// column major gemm on raw slices: C is computed as the row major product B' x A'
func gemm(aTrans, bTrans TransType, adim, bdim, cdim []int, alpha, beta float32, a, b, c []float32) {
	ra := blas32.General{Rows: adim[1], Cols: adim[0], Stride: adim[0], Data: a}
	rb := blas32.General{Rows: bdim[1], Cols: bdim[0], Stride: bdim[0], Data: b}
	rc := blas32.General{Rows: cdim[1], Cols: cdim[0], Stride: cdim[0], Data: c}
	blas32.Gemm(bTrans.blas(), aTrans.blas(), alpha, rb, ra, beta, rc)
}

func vector(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Data: x, Inc: 1}
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, func(x float32) float32 {
		return 1 / (1 + float32(math.Exp(float64(-x))))
	})
}

func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(x, g float32) float32 {
		s := 1 / (1 + float32(math.Exp(float64(-x))))
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(x, g float32) float32 {
		t := float32(math.Tanh(float64(x)))
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(x, y float32) float32 {
		return (x - y) * (x - y)
	})
}

// Softmax activation function applied to each column
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	rows, cols := xdim[0], xdim[1]
	return args("softmax", func(int) {
		in, out := f32(x), f32(res)
		for c := 0; c < cols; c++ {
			src, dst := in[c*rows:(c+1)*rows], out[c*rows:(c+1)*rows]
			max := src[0]
			for _, v := range src {
				if v > max {
					max = v
				}
			}
			var sum float32
			for i, v := range src {
				dst[i] = float32(math.Exp(float64(v - max)))
				sum += dst[i]
			}
			for i := range dst {
				dst[i] /= sum
			}
		}
	})
}

// Smallest probability used when taking the log in the cross entropy cost
const epsilon = 1.0 / (1 << 23)

// Softmax loss function: multiclass cross entropy -y*log(p) for one hot labels y and predictions p
func SoftmaxLoss(yOneHot, yPred, res Array) Function {
	return binaryFunc("softmax_loss", yOneHot, yPred, res, func(y, p float32) float32 {
		if y == 0 {
			return 0
		}
		if p < epsilon {
			p = epsilon
		}
		return -y * float32(math.Log(float64(p)))
	})
}

// MomentumUpdate applies one step of gradient descent with momentum to the weights w.
// The gradient is g = gradScale*dw + decay*w, the velocity v = momentum*v - eta*g and then w += v.
// With nesterov set the weights are updated with w += momentum*v - eta*g instead.
func MomentumUpdate(w, dw, v Array, eta, momentum, decay, gradScale float32, nesterov bool) Function {
	if w.Dtype() != Float32 || dw.Dtype() != Float32 || v.Dtype() != Float32 {
		panic("MomentumUpdate: dtype must by Float32")
	}
	if w.Size() != dw.Size() || w.Size() != v.Size() {
		panic("MomentumUpdate: arrays must be same size")
	}
	return args("momentum", func(threads int) {
		wd, gd, vd := f32(w), f32(dw), f32(v)
		parallelRange(len(wd), threads, func(start, end int) {
			for i := start; i < end; i++ {
				g := gradScale*gd[i] + decay*wd[i]
				vd[i] = momentum*vd[i] - eta*g
				if nesterov {
					wd[i] += momentum*vd[i] - eta*g
				} else {
					wd[i] += vd[i]
				}
			}
		})
	})
}

// StochasticRound rounds each element of x to the given number of mantissa bits, rounding up with
// probability proportional to the distance from the lower value. bits of 0 leaves x unchanged.
func StochasticRound(x Array, bits int, rng *rand.Rand) Function {
	if x.Dtype() != Float32 {
		panic("StochasticRound: dtype must by Float32")
	}
	if bits < 0 || bits > 23 {
		panic(fmt.Sprintf("StochasticRound: bits %d out of range 0..23", bits))
	}
	return args("round", func(int) {
		if bits == 0 || bits == 23 {
			return
		}
		drop := uint(23 - bits)
		mask := uint32(1)<<drop - 1
		data := f32(x)
		for i, v := range data {
			u := math.Float32bits(v)
			exp := u & 0x7f800000
			if exp == 0x7f800000 {
				continue
			}
			u = (u + rng.Uint32()&mask) &^ mask
			data[i] = math.Float32frombits(u)
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("UnaryFunc: arrays must be same size")
	}
	return args(name, func(threads int) {
		in, out := f32(x), f32(y)
		parallelRange(len(out), threads, func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = fn(in[i])
			}
		})
	})
}

func binaryFunc(name string, x, y, z Array, fn func(x, y float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("BinaryFunc: arrays must be same size")
	}
	return args(name, func(threads int) {
		a, b, out := f32(x), f32(y), f32(z)
		parallelRange(len(out), threads, func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = fn(a[i], b[i])
			}
		})
	})
}
