package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/convnet/num"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Init(q num.Queue, inShape []int) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array, train bool) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and optional bias parameters. B and dB are nil if there is no bias.
type ParamLayer interface {
	Layer
	InitParams(init InitType, scale float64, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
}

// StatsLayer is a batch normalisation layer with running mean and variance used at inference time.
type StatsLayer interface {
	ParamLayer
	Stats() (mean, variance num.Array)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(yOneHot, yPred num.Array) num.Array
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "batchNorm":
		cfg := new(BatchNorm)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "flatten":
		return &flatten{}
	default:
		panic("invalid layer type: " + l.Type)
	}
}

func (l LayerConfig) validate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	l.Unmarshal()
	return nil
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
	NoBias                    bool
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	if c.Nfeats < 1 || c.Size < 1 {
		panic(fmt.Sprintf("conv: invalid config %+v", *c))
	}
	return &conv{Conv: *c}
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c *MaxPool) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	if c.Size < 1 {
		panic(fmt.Sprintf("maxPool: invalid config %+v", *c))
	}
	return &pool{MaxPool: *c}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout   int
	NoBias bool
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	if c.Nout < 1 {
		panic(fmt.Sprintf("linear: invalid config %+v", *c))
	}
	return &linear{Linear: *c}
}

// Batch normalisation layer, implements StatsLayer interface.
// AvgFactor is the weight given to each new batch in the running statistics.
type BatchNorm struct {
	AvgFactor float64
	Epsilon   float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.AvgFactor == 0 {
		c.AvgFactor = 0.1
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-3
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

func (c *BatchNorm) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	if c.AvgFactor <= 0 || c.AvgFactor > 1 || c.Epsilon <= 0 {
		panic(fmt.Sprintf("batchNorm: invalid config %+v", *c))
	}
	return &batchNorm{BatchNorm: *c}
}

// Sigmoid, tanh, relu or softmax activation layer, implements OutputLayer interface.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	if c.Atype == "softmax" {
		return &softmax{Activation: *c}
	}
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		panic(fmt.Sprintf("activation type %s invalid", c.Atype))
	}
	return layer
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// linear layer implementation, weights are [nIn, nOut]
type linear struct {
	Linear
	layerBase
	paramBase
	ones num.Array
}

func (l *linear) OutShape(inShape []int) []int {
	return []int{l.Nout, inShape[len(inShape)-1]}
}

func (l *linear) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 2 {
		panic("Linear: expect 2 dimensional input")
	}
	nIn, nBatch := inShape[0], inShape[1]
	l.layerBase = newLayerBase(q, inShape, l.OutShape(inShape))
	var bShape []int
	if !l.NoBias {
		bShape = []int{l.Nout}
	}
	l.paramBase = newParams(q, []int{nIn, l.Nout}, bShape, nIn, l.Nout)
	l.ones = q.NewArray(num.Float32, nBatch)
	q.Call(num.Fill(l.ones, 1))
	return l
}

func (l *linear) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	if l.b == nil {
		l.queue.Call(num.Gemm(1, 0, l.w, l.src, l.dst, num.Trans, num.NoTrans))
	} else {
		l.queue.Call(
			num.Copy(l.dst, l.b.Reshape(l.Nout, 1)),
			num.Gemm(1, 1, l.w, l.src, l.dst, num.Trans, num.NoTrans),
		)
	}
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	if l.db != nil {
		l.queue.Call(num.Gemv(1, 0, grad, l.ones, l.db, num.NoTrans))
	}
	l.queue.Call(
		num.Gemm(1, 0, l.src, grad, l.dw, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.w, grad, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

// convolutional layer implementation
type conv struct {
	Conv
	paramBase
	*layerDNN
}

func (l *conv) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic("Conv: expect 4 dimensional input")
	}
	w, h, d, n := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := q.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad, l.NoBias)
	l.paramBase = newParams(q, layer.FilterShape(), layer.BiasShape(), l.Size*l.Size*d, l.Size*l.Size*l.Nfeats)
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(q, layer)
	return l
}

// pool layer implentation
type pool struct {
	MaxPool
	*layerDNN
}

func (l *pool) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic("MaxPool: expect 4 dimensional input")
	}
	l.layerDNN = newLayerDNN(q, q.MaxPoolLayer(inShape, l.Size, l.Stride))
	return l
}

// batch normalisation layer implementation, weights are the scale and bias is the shift for each channel
type batchNorm struct {
	BatchNorm
	paramBase
	*layerDNN
}

func (l *batchNorm) Init(q num.Queue, inShape []int) Layer {
	layer := q.BatchNormLayer(inShape, l.AvgFactor, l.Epsilon)
	l.paramBase = newParams(q, layer.FilterShape(), layer.BiasShape(), 0, 0)
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(q, layer)
	return l
}

func (l *batchNorm) InitParams(init InitType, scale float64, rng *rand.Rand) {
	l.paramBase.que.Call(num.Fill(l.w, 1), num.Fill(l.b, 0))
}

func (l *batchNorm) Stats() (mean, variance num.Array) {
	return l.layer.(num.StatsLayer).Stats()
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
	loss  num.Array
}

func (l *activation) Init(q num.Queue, inShape []int) Layer {
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.loss = q.NewArray(num.Float32, inShape...)
	return l
}

func (l *activation) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

func (l *activation) Loss(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(num.QuadraticLoss(yOneHot, yPred, l.loss))
	return l.loss
}

// softmax output layer with multiclass cross entropy loss. The gradient passed to Bprop is
// already the derivative of the loss with respect to the layer input.
type softmax struct {
	Activation
	layerBase
	loss num.Array
}

func (l *softmax) Init(q num.Queue, inShape []int) Layer {
	if len(inShape) != 2 {
		panic("Softmax: expect 2 dimensional input")
	}
	l.layerBase = newLayerBase(q, inShape, inShape)
	l.loss = q.NewArray(num.Float32, inShape...)
	return l
}

func (l *softmax) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

func (l *softmax) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.Copy(l.dsrc, grad))
	return l.dsrc
}

func (l *softmax) Loss(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(num.SoftmaxLoss(yOneHot, yPred, l.loss))
	return l.loss
}

type flatten struct {
	src num.Array
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	n := len(inShape)
	return []int{num.Prod(inShape[:n-1]), inShape[n-1]}
}

func (l *flatten) Init(q num.Queue, inShape []int) Layer {
	return l
}

func (l *flatten) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	dims := in.Dims()
	return in.Reshape(-1, dims[len(dims)-1])
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	return grad.Reshape(l.src.Dims()...)
}

// base layer type for layers implemented in this package
type layerBase struct {
	queue num.Queue
	src   num.Array
	dst   num.Array
	dsrc  num.Array
}

func newLayerBase(q num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		queue: q,
		dst:   q.NewArray(num.Float32, outShape...),
		dsrc:  q.NewArray(num.Float32, inShape...),
	}
}

func (l layerBase) OutShape(inShape []int) []int { return inShape }

// wrapper for layers implemented by the num package
type layerDNN struct {
	que   num.Queue
	layer num.Layer
}

func newLayerDNN(q num.Queue, layer num.Layer) *layerDNN {
	return &layerDNN{que: q, layer: layer}
}

func (l *layerDNN) OutShape(inShape []int) []int {
	return l.layer.OutShape()
}

func (l *layerDNN) Fprop(in num.Array, train bool) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer, train))
	return l.layer.Dst()
}

func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.que.Call(num.BpropData(l.layer))
	if l.layer.HasParams() {
		l.que.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	return l.layer.DiffSrc()
}

// weight and bias parameters
type paramBase struct {
	que           num.Queue
	w, b          num.Array
	dw, db        num.Array
	fanIn, fanOut int
}

func newParams(q num.Queue, wShape, bShape []int, fanIn, fanOut int) paramBase {
	p := paramBase{
		que:    q,
		w:      q.NewArray(num.Float32, wShape...),
		dw:     q.NewArray(num.Float32, wShape...),
		fanIn:  fanIn,
		fanOut: fanOut,
	}
	if bShape != nil {
		p.b = q.NewArray(num.Float32, bShape...)
		p.db = q.NewArray(num.Float32, bShape...)
	}
	return p
}

func (p paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// InitParams sets random weights and zero bias. Uniform weights are in the range [-scale, scale],
// normal weights have standard deviation scale, and glorot uses the uniform range sqrt(6/(fanIn+fanOut)).
func (p paramBase) InitParams(init InitType, scale float64, rng *rand.Rand) {
	weights := make([]float32, p.w.Size())
	switch init {
	case Normal:
		for i := range weights {
			weights[i] = float32(rng.NormFloat64() * scale)
		}
	case GlorotUniform:
		scale = math.Sqrt(6 / float64(p.fanIn+p.fanOut))
		fallthrough
	default:
		for i := range weights {
			weights[i] = float32((2*rng.Float64() - 1) * scale)
		}
	}
	p.que.Call(num.Write(p.w, weights))
	if p.b != nil {
		p.que.Call(num.Fill(p.b, 0))
	}
}

func (p paramBase) SetParams(W, B num.Array) {
	p.que.Call(num.Copy(p.w, W))
	if p.b != nil && B != nil {
		p.que.Call(num.Copy(p.b, B))
	}
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	if len(data) == 0 {
		return
	}
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}
