package nnet

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jnb666/convnet/num"
)

// Checkpoint holds the trained parameters for a network together with the config used to build it.
type Checkpoint struct {
	RunID  string
	Epoch  int
	Config Config
	Layers []LayerParams
	Stats  []Stats
}

// LayerParams are the saved values for one layer, indexed by position in the network.
type LayerParams struct {
	Index    int
	Weights  []float32
	Biases   []float32
	Mean     []float32
	Variance []float32
}

// SaveCheckpoint writes the network weights to a file in gob format. The file is replaced atomically.
func (n *Network) SaveCheckpoint(name, runID string, epoch int, stats []Stats) error {
	c := Checkpoint{RunID: runID, Epoch: epoch, Config: n.Config, Stats: stats}
	for i, layer := range n.Layers {
		l, ok := layer.(ParamLayer)
		if !ok {
			continue
		}
		p := LayerParams{Index: i}
		W, B := l.Params()
		p.Weights = n.read(W)
		p.Biases = n.read(B)
		if sl, ok := layer.(StatsLayer); ok {
			mean, variance := sl.Stats()
			p.Mean, p.Variance = n.read(mean), n.read(variance)
		}
		c.Layers = append(c.Layers, p)
	}
	tmp := filepath.Join(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("error saving checkpoint: %w", err)
	}
	w := bufio.NewWriter(f)
	if err = gob.NewEncoder(w).Encode(&c); err == nil {
		err = w.Flush()
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error saving checkpoint: %w", err)
	}
	return os.Rename(tmp, name)
}

func (n *Network) read(a num.Array) []float32 {
	if a == nil {
		return nil
	}
	data := make([]float32, a.Size())
	n.queue.Call(num.Read(a, data)).Finish()
	return data
}

// LoadCheckpoint reads a checkpoint file
func LoadCheckpoint(name string) (*Checkpoint, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("error loading checkpoint: %w", err)
	}
	defer f.Close()
	c := new(Checkpoint)
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(c); err != nil {
		return nil, fmt.Errorf("error decoding checkpoint %s: %w", name, err)
	}
	return c, nil
}

// Restore copies the saved parameters into a network built from the same layer config.
func (c *Checkpoint) Restore(net *Network) error {
	write := func(a num.Array, data []float32, what string, layer int) error {
		if a == nil && data == nil {
			return nil
		}
		if a == nil || len(data) != a.Size() {
			return fmt.Errorf("layer %d: %s size mismatch", layer, what)
		}
		net.queue.Call(num.Write(a, data))
		return nil
	}
	for _, p := range c.Layers {
		if p.Index < 0 || p.Index >= len(net.Layers) {
			return fmt.Errorf("layer %d: index out of range", p.Index)
		}
		l, ok := net.Layers[p.Index].(ParamLayer)
		if !ok {
			return fmt.Errorf("layer %d: %s has no parameters", p.Index, net.Layers[p.Index].ToString())
		}
		W, B := l.Params()
		if err := write(W, p.Weights, "weights", p.Index); err != nil {
			return err
		}
		if err := write(B, p.Biases, "bias", p.Index); err != nil {
			return err
		}
		if sl, ok := l.(StatsLayer); ok {
			mean, variance := sl.Stats()
			if err := write(mean, p.Mean, "mean", p.Index); err != nil {
				return err
			}
			if err := write(variance, p.Variance, "variance", p.Index); err != nil {
				return err
			}
		}
	}
	net.queue.Finish()
	return nil
}
