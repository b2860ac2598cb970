// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jnb666/convnet/num"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	queue     num.Queue
	classes   num.Array
	diff      num.Array
	batchLoss num.Array
	inputGrad num.Array
	inShape   []int
}

// New function creates a new network with the given layers. inShape is the shape of each input
// sample in width, height, channels order.
func New(q num.Queue, conf Config, batchSize int, inShape []int) *Network {
	n := &Network{Config: conf, queue: q}
	n.inShape = append(append([]int{}, inShape...), batchSize)
	shape := n.inShape
	for _, l := range conf.Layers {
		layer := l.Unmarshal().Init(q, shape)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
	}
	if _, ok := n.Layers[len(n.Layers)-1].(OutputLayer); !ok {
		panic("final layer must be an activation layer")
	}
	n.classes = q.NewArray(num.Int32, batchSize)
	n.diff = q.NewArray(num.Int32, batchSize)
	n.batchLoss = q.NewArray(num.Float32)
	n.inputGrad = q.NewArray(num.Float32, shape...)
	if conf.DebugLevel >= 1 {
		log.Printf("network input %v output %v\n", n.inShape, shape)
	}
	return n
}

// Queue used for network operations
func (n *Network) Queue() num.Queue { return n.queue }

// Shape of input array including the batch dimension
func (n *Network) InShape() []int { return n.inShape }

// BatchSize is the number of samples processed at once
func (n *Network) BatchSize() int { return n.inShape[len(n.inShape)-1] }

// Initialise network weights using the configured scheme.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(n.WeightInit, n.WeightScale, rng)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(net *Network) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).SetParams(W, B)
		}
		if l, ok := layer.(StatsLayer); ok {
			mean, variance := l.Stats()
			m2, v2 := net.Layers[i].(StatsLayer).Stats()
			net.queue.Call(num.Copy(m2, mean), num.Copy(v2, variance))
		}
	}
}

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output. train selects batch statistics for normalisation layers.
func (n *Network) Fprop(input num.Array, train bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 && pred != nil {
			log.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, train)
	}
	return pred
}

// Backpropagate the gradient of the loss back through the network to compute the parameter gradients.
func (n *Network) Bprop(grad num.Array) {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
	}
}

// TrainBatch runs the forward and backward pass on one batch and returns the mean loss.
func (n *Network) TrainBatch(input, yOneHot num.Array) float64 {
	yPred := n.Fprop(input, true)
	n.queue.Call(
		num.Copy(n.inputGrad, yPred),
		num.Axpy(-1, yOneHot, n.inputGrad),
		num.Sum(n.OutLayer().Loss(yOneHot, yPred), n.batchLoss, 1/float32(n.BatchSize())),
	)
	n.Bprop(n.inputGrad)
	loss := []float32{0}
	n.queue.Call(num.Read(n.batchLoss, loss)).Finish()
	return float64(loss[0])
}

// Predict output given input data
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 3 {
		log.Printf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Unhot(yPred, classes))
	return yPred
}

// Evaluate returns the mean loss and classification error over the data set. Padding samples in the
// last batch are not counted. If pred is not nil it is filled with the predicted class for each sample.
func (n *Network) Evaluate(dset *DataLoader, pred []int32) (loss, errRate float64) {
	if dset.BatchSize != n.BatchSize() {
		panic(fmt.Sprintf("Evaluate: batch size %d does not match network %d", dset.BatchSize, n.BatchSize()))
	}
	nclass := len(dset.Classes())
	labels := make([]int32, dset.BatchSize)
	actual := make([]int32, dset.BatchSize)
	diff := make([]int32, dset.BatchSize)
	probs := make([]float32, nclass*dset.BatchSize)
	var totalLoss float64
	var errors int
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, _, valid := dset.NextBatch()
		yPred := n.Predict(x, n.classes)
		n.queue.Call(
			num.Neq(n.classes, y, n.diff),
			num.Read(n.diff, diff),
			num.Read(n.classes, labels),
			num.Read(y, actual),
			num.Read(yPred, probs),
		).Finish()
		for i := 0; i < valid; i++ {
			errors += int(diff[i])
			totalLoss += softmaxLoss(probs[i*nclass:(i+1)*nclass], actual[i])
		}
		if pred != nil {
			copy(pred[batch*dset.BatchSize:], labels[:valid])
		}
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			log.Printf("batch %d: %d errors in %d samples", batch, errors, batch*dset.BatchSize+valid)
		}
	}
	return totalLoss / float64(dset.Samples), float64(errors) / float64(dset.Samples)
}

// Calculate the classification error from the predicted versus actual values
func (n *Network) Error(dset *DataLoader, pred []int32) float64 {
	_, errRate := n.Evaluate(dset, pred)
	return errRate
}

// cross entropy for a single sample
func softmaxLoss(p []float32, label int32) float64 {
	v := float64(p[label])
	if v < 1.0/(1<<23) {
		v = 1.0 / (1 << 23)
	}
	return -math.Log(v)
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			s := fmt.Sprintf("== Layer %d weights ==\n%s", i, W.String(n.queue))
			if B != nil {
				s += " " + B.String(n.queue)
			}
			log.Println(s)
		}
	}
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	log.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Loss returns the mean cross entropy loss over the data set.
func (n *Network) Loss(dset *DataLoader) float64 {
	loss, _ := n.Evaluate(dset, nil)
	return loss
}
