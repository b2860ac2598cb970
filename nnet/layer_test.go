package nnet

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnb666/convnet/num"
)

const (
	batch = 5
	nIn   = 6
	nOut  = 4
	eps   = 1e-4
)

func randArray(rng *rand.Rand, size int, min, max float32) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rng.Float32()*(max-min)
	}
	return v
}

func readArray(q num.Queue, a num.Array) []float32 {
	data := make([]float32, a.Size())
	q.Call(num.Read(a, data)).Finish()
	return data
}

func TestLinear(t *testing.T) {
	for _, noBias := range []bool{false, true} {
		q := num.NewCPUDevice().NewQueue(1)
		rng := rand.New(rand.NewSource(42))
		lin := Linear{Nout: nOut, NoBias: noBias}.Marshal().Unmarshal().Init(q, []int{nIn, batch}).(ParamLayer)
		assert.Equal(t, []int{nOut, batch}, lin.OutShape([]int{nIn, batch}))
		W, B := lin.Params()
		weights := randArray(rng, nIn*nOut, -0.5, 0.5)
		bias := randArray(rng, nOut, 0.1, 0.2)
		inData := randArray(rng, nIn*batch, 0, 1)
		gradData := randArray(rng, nOut*batch, -1, 1)
		input := q.NewArray(num.Float32, nIn, batch)
		grad := q.NewArray(num.Float32, nOut, batch)
		q.Call(num.Write(W, weights), num.Write(input, inData), num.Write(grad, gradData))
		if noBias {
			assert.Nil(t, B)
			bias = make([]float32, nOut)
		} else {
			q.Call(num.Write(B, bias))
		}
		out := readArray(q, lin.Fprop(input, true))
		dsrc := readArray(q, lin.Bprop(grad))
		dW, dB := lin.ParamGrads()
		dw := readArray(q, dW)
		for n := 0; n < batch; n++ {
			for j := 0; j < nOut; j++ {
				expect := bias[j]
				for i := 0; i < nIn; i++ {
					expect += weights[i+j*nIn] * inData[i+n*nIn]
				}
				assert.InDelta(t, expect, out[j+n*nOut], eps, "output %d,%d", j, n)
			}
			for i := 0; i < nIn; i++ {
				var expect float32
				for j := 0; j < nOut; j++ {
					expect += weights[i+j*nIn] * gradData[j+n*nOut]
				}
				assert.InDelta(t, expect, dsrc[i+n*nIn], eps, "dsrc %d,%d", i, n)
			}
		}
		for j := 0; j < nOut; j++ {
			for i := 0; i < nIn; i++ {
				var expect float32
				for n := 0; n < batch; n++ {
					expect += inData[i+n*nIn] * gradData[j+n*nOut]
				}
				assert.InDelta(t, expect, dw[i+j*nIn], eps, "dW %d,%d", i, j)
			}
		}
		if !noBias {
			db := readArray(q, dB)
			for j := 0; j < nOut; j++ {
				var expect float32
				for n := 0; n < batch; n++ {
					expect += gradData[j+n*nOut]
				}
				assert.InDelta(t, expect, db[j], eps, "dB %d", j)
			}
		}
		q.Shutdown()
	}
}

func TestInitParams(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(1))
	layer := Conv{Nfeats: 8, Size: 3}.Marshal().Unmarshal().Init(q, []int{6, 6, 2, 4}).(ParamLayer)
	assert.Equal(t, []int{4, 4, 8, 4}, layer.OutShape([]int{6, 6, 2, 4}))
	W, B := layer.Params()
	assert.Equal(t, []int{3, 3, 2, 8}, W.Dims())
	assert.Equal(t, []int{8}, B.Dims())

	layer.InitParams(Uniform, 0.1, rng)
	for _, v := range readArray(q, W) {
		assert.True(t, v >= -0.1 && v <= 0.1, "uniform weight %g out of range", v)
	}
	assert.Equal(t, make([]float32, 8), readArray(q, B))

	layer.InitParams(GlorotUniform, 0, rng)
	limit := math.Sqrt(6.0/(18+72)) + 1e-6
	for _, v := range readArray(q, W) {
		assert.True(t, float64(v) >= -limit && float64(v) <= limit, "glorot weight %g out of range", v)
	}

	bn := BatchNorm{}.Marshal().Unmarshal().Init(q, []int{4, 4, 8, 4}).(StatsLayer)
	bn.InitParams(Uniform, 0.1, rng)
	gamma, beta := bn.Params()
	for i, v := range readArray(q, gamma) {
		assert.Equal(t, float32(1), v)
		assert.Equal(t, float32(0), readArray(q, beta)[i])
	}
	mean, variance := bn.Stats()
	assert.Equal(t, []int{8}, mean.Dims())
	assert.Equal(t, []int{8}, variance.Dims())
}

func TestLayerConfig(t *testing.T) {
	layers := []ConfigLayer{
		Conv{Nfeats: 16, Size: 5, NoBias: true},
		BatchNorm{},
		Activation{Atype: "relu"},
		MaxPool{Size: 2},
		Flatten{},
		Linear{Nout: 10},
		Activation{Atype: "softmax"},
	}
	conf := DefaultConfig.AddLayers(layers...)
	require.NoError(t, conf.Validate())
	data, err := json.Marshal(conf)
	require.NoError(t, err)
	var c2 Config
	require.NoError(t, json.Unmarshal(data, &c2))
	require.Len(t, c2.Layers, len(layers))
	assert.Equal(t, "conv {Nfeats:16 Size:5 Stride:1 Pad:0 NoBias:true}", c2.Layers[0].String())
	assert.Equal(t, "batchNorm {AvgFactor:0.1 Epsilon:0.001}", c2.Layers[1].String())
	assert.Equal(t, "maxPool {Size:2 Stride:2}", c2.Layers[3].String())
	assert.Equal(t, "flatten", c2.Layers[4].String())
	_, ok := c2.Layers[6].Unmarshal().(OutputLayer)
	assert.True(t, ok)

	bad := DefaultConfig.AddLayers(Activation{Atype: "swish"})
	assert.Error(t, bad.Validate())
	bad = DefaultConfig.AddLayers(Linear{})
	assert.Error(t, bad.Validate())
	bad = DefaultConfig
	bad.Rounding = 24
	assert.Error(t, bad.Validate())
	bad = DefaultConfig
	bad.WeightInit = "zeros"
	assert.Error(t, bad.Validate())
}

func TestConfig(t *testing.T) {
	conf, err := DefaultConfig.SetString("Eta", "0.5")
	require.NoError(t, err)
	assert.Equal(t, 0.5, conf.Eta)
	conf, err = conf.SetString("TrainBatch", "64")
	require.NoError(t, err)
	assert.Equal(t, 64, conf.Get("TrainBatch"))
	conf, err = conf.SetString("WeightInit", "normal")
	require.NoError(t, err)
	assert.Equal(t, Normal, conf.WeightInit)
	conf, err = conf.SetString("Nesterov", "true")
	require.NoError(t, err)
	assert.True(t, conf.Nesterov)
	_, err = conf.SetString("Missing", "1")
	assert.Error(t, err)
	_, err = conf.SetString("Eta", "abc")
	assert.Error(t, err)
	_, err = conf.SetString("Layers", "x")
	assert.Error(t, err)
	assert.NotContains(t, conf.Fields(), "Layers")

	conf = conf.AddLayers(Linear{Nout: 2}, Activation{Atype: "softmax"})
	name := t.TempDir() + "/config.json"
	require.NoError(t, conf.Save(name))
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	var c2 Config
	require.NoError(t, json.Unmarshal(data, &c2))
	assert.Equal(t, conf.String(), c2.String())
	assert.Contains(t, c2.String(), "linear {Nout:2 NoBias:false}")
}
