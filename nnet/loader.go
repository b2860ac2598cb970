package nnet

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/jnb666/convnet/img"
	"github.com/jnb666/convnet/num"
)

// DataLoader feeds minibatches of transformed images to the network. The next batch is prepared
// in the background on a separate queue while the current one is in use. If the number of samples is not
// a multiple of the batch size then the last batch is filled by wrapping around to the start of the epoch.
type DataLoader struct {
	*img.Data
	Params    img.Params
	Samples   int
	BatchSize int
	Batches   int
	shuffle   bool
	trans     *img.Transformer
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	valid     [2]int
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// NewDataLoader creates a loader for the image set. maxSamples limits the number of images used if > 0.
// If shuffle is set then the order of the samples is permuted at the start of each epoch.
func NewDataLoader(dev num.Device, data *img.Data, params img.Params, batchSize, maxSamples int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	d := &DataLoader{Data: data, Params: params, Samples: data.Len(), shuffle: shuffle, rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	var err error
	if d.trans, err = img.NewTransformer(data, params, rng); err != nil {
		return nil, err
	}
	d.BatchSize = batchSize
	d.Batches = (d.Samples + batchSize - 1) / batchSize
	d.xBuffer = make([]float32, params.Size()*batchSize)
	d.yBuffer = make([]int32, batchSize)
	classes := len(data.Classes())
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, params.Width, params.Height, params.Channels, batchSize)
		d.y[i] = dev.NewArray(num.Int32, batchSize)
		d.y1H[i] = dev.NewArray(num.Float32, classes, batchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d, nil
}

// Shape of the input array for each batch
func (d *DataLoader) Shape() []int {
	return []int{d.Params.Width, d.Params.Height, d.Params.Channels, d.BatchSize}
}

// Release allocated buffers
func (d *DataLoader) Release() {
	d.Wait()
	for i := range d.x {
		d.x[i].Release()
		d.y[i].Release()
		d.y1H[i].Release()
	}
	d.queue.Shutdown()
}

// kick off load of next batch of data in background
func (d *DataLoader) loadBatch() {
	d.Add(1)
	go func() {
		defer d.Done()
		start := d.batch * d.BatchSize
		index := make([]int, d.BatchSize)
		for i := range index {
			index[i] = d.indexes[(start+i)%d.Samples]
		}
		d.valid[d.buf] = min(d.BatchSize, d.Samples-start)
		d.trans.TransformBatch(index, d.xBuffer)
		d.Label(index, d.yBuffer)
		d.queue.Call(
			num.Write(d.x[d.buf], d.xBuffer),
			num.Write(d.y[d.buf], d.yBuffer),
			num.Onehot(d.y[d.buf], d.y1H[d.buf], len(d.Classes())),
		)
		d.queue.Finish()
	}()
}

// NextBatch returns the next batch of data and the number of valid samples in it. Operations on the arrays
// from the previous call must have completed before calling this, as the buffers are reused.
func (d *DataLoader) NextBatch() (x, y, yOneHot num.Array, valid int) {
	d.Wait()
	x, y, yOneHot, valid = d.x[d.buf], d.y[d.buf], d.y1H[d.buf], d.valid[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Rewind to start of data
func (d *DataLoader) Rewind() {
	d.Wait()
	d.epoch = 0
	d.batch = 0
	d.loadBatch()
}

// NextEpoch is called at start of each epoch to reshuffle the data if required.
func (d *DataLoader) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	if d.shuffle {
		d.indexes = d.rng.Perm(d.Data.Len())[:d.Samples]
	}
	d.loadBatch()
}
