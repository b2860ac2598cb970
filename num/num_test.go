package num

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	q.Call(
		Fill(x, 7),
		Read(x, res),
	).Finish()
	for _, v := range res {
		if v != 7 {
			t.Error("fill: got", res)
			break
		}
	}
}

func TestCopy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	// tile columns
	y := dev.NewArray(Float32, 2, 1)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{1, 2}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{1, 2, 1, 2, 1, 2}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	// tile rows
	y = dev.NewArray(Float32, 3)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect = []float32{3, 3, 2, 2, 1, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestOnehot(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 3, 4)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	expect := []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	res2 := make([]int32, 4)
	q.Call(
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	if !reflect.DeepEqual(res2, vec) {
		t.Error("got", res2, "expect", vec)
	}
}

func TestAxpy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	expect := []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSum(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	sum := dev.NewArray(Float32)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	if res[0] != 3.5 {
		t.Error("got", res[0], "expect", 3.5)
	}
	// sum for each column
	sum = dev.NewArray(Float32, 3)
	res = make([]float32, 3)
	ones := dev.NewArray(Float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, Trans),
		Read(sum, res),
	).Finish()
	expect := []float32{3, 7, 11}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestGemm(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	z := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		expect := []float32{58, 139, 64, 154}
		if !reflect.DeepEqual(res, expect) {
			t.Error("got", res, "expect", expect)
		}
	}
}

func TestNeq(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Int32, 5)
	y := dev.NewArray(Int32, 5)
	diff := dev.NewArray(Int32, 5)
	total := dev.NewArray(Float32)
	res := make([]float32, 1)
	q.Call(
		Write(x, []int32{1, 2, 3, 4, 5}),
		Write(y, []int32{1, 0, 3, 0, 0}),
		Neq(x, y, diff),
		Sum(diff, total, 1.0/5),
		Read(total, res),
	).Finish()
	assert.InDelta(t, 0.6, res[0], 1e-6)
}

func TestActivations(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(2)
	x := dev.NewArray(Float32, 4)
	grad := dev.NewArray(Float32, 4)
	y := dev.NewArray(Float32, 4)
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{-2, -0.5, 0.5, 2}),
		Write(grad, []float32{1, 1, 1, 1}),
		Relu(x, y),
		Read(y, res),
	).Finish()
	assert.Equal(t, []float32{0, 0, 0.5, 2}, res)
	q.Call(ReluD(x, grad, y), Read(y, res)).Finish()
	assert.Equal(t, []float32{0, 0, 1, 1}, res)
	q.Call(Sigmoid(x, y), Read(y, res)).Finish()
	assert.InDelta(t, 0.5, (res[1]+res[2])/2, 1e-6)
	assert.InDelta(t, 1/(1+math.Exp(-2)), res[3], 1e-6)
	q.Call(TanhD(x, grad, y), Read(y, res)).Finish()
	th := math.Tanh(0.5)
	assert.InDelta(t, 1-th*th, res[2], 1e-6)
}

func TestSoftmax(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 3, 2)
	p := dev.NewArray(Float32, 3, 2)
	y := dev.NewArray(Float32, 3, 2)
	loss := dev.NewArray(Float32, 3, 2)
	total := dev.NewArray(Float32)
	probs := make([]float32, 6)
	res := make([]float32, 1)
	q.Call(
		Write(x, []float32{1, 2, 3, 1000, 1000, 1000}),
		Write(y, []float32{0, 0, 1, 1, 0, 0}),
		Softmax(x, p),
		SoftmaxLoss(y, p, loss),
		Sum(loss, total, 1),
		Read(p, probs),
		Read(total, res),
	).Finish()
	e := []float64{math.Exp(1), math.Exp(2), math.Exp(3)}
	sum := e[0] + e[1] + e[2]
	for i := range e {
		assert.InDelta(t, e[i]/sum, probs[i], 1e-6)
		assert.InDelta(t, 1.0/3, probs[i+3], 1e-6)
	}
	assert.InDelta(t, -math.Log(e[2]/sum)+math.Log(3), res[0], 1e-5)
}

func TestMomentumUpdate(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	res := make([]float32, 2)
	vel := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, -1}),
		Write(dw, []float32{4, 8}),
		Fill(v, 0),
		MomentumUpdate(w, dw, v, 0.1, 0.9, 0, 0.5, false),
		MomentumUpdate(w, dw, v, 0.1, 0.9, 0, 0.5, false),
		Read(w, res),
		Read(v, vel),
	).Finish()
	// v1 = -0.1*g, v2 = 0.9*v1 - 0.1*g with g = dw/2
	assert.InDeltaSlice(t, []float32{-0.38, -0.76}, vel, 1e-6)
	assert.InDeltaSlice(t, []float32{1 - 0.2 - 0.38, -1 - 0.4 - 0.76}, res, 1e-6)
}

func TestStochasticRound(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	rng := rand.New(rand.NewSource(42))
	n := 10000
	x := dev.NewArray(Float32, n)
	data := make([]float32, n)
	for i := range data {
		data[i] = 1.3
	}
	res := make([]float32, n)
	q.Call(
		Write(x, data),
		StochasticRound(x, 2, rng),
		Read(x, res),
	).Finish()
	// with 2 mantissa bits the neighbours of 1.3 are 1.25 and 1.5
	var mean float64
	for _, v := range res {
		if v != 1.25 && v != 1.5 {
			t.Fatal("unexpected rounded value", v)
		}
		mean += float64(v)
	}
	mean /= float64(n)
	assert.InDelta(t, 1.3, mean, 0.01)

	q.Call(Write(x, data), StochasticRound(x, 0, rng), Read(x, res)).Finish()
	assert.Equal(t, data, res)
	assert.Panics(t, func() { StochasticRound(x, 24, rng) })
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 256
	dev := NewCPUDevice()
	q := dev.NewQueue(0)
	x := dev.NewArray(Float32, size, size)
	y := dev.NewArray(Float32, size, size)
	z := dev.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}
