package nnet

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jnb666/convnet/stats"
)

// Callback interface is used to hook in to each stage of the training loop. Returning an error aborts training.
type Callback interface {
	OnTrainBegin(s *State) error
	OnEpochBegin(s *State) error
	OnMinibatchEnd(s *State, cost float64) error
	OnEpochEnd(s *State) error
	OnTrainEnd(s *State) error
}

// CallbackBase has no-op implementations of each of the Callback methods.
type CallbackBase struct{}

func (CallbackBase) OnTrainBegin(s *State) error { return nil }

func (CallbackBase) OnEpochBegin(s *State) error { return nil }

func (CallbackBase) OnMinibatchEnd(s *State, cost float64) error { return nil }

func (CallbackBase) OnEpochEnd(s *State) error { return nil }

func (CallbackBase) OnTrainEnd(s *State) error { return nil }

// CallbackArgs selects the built in callbacks.
type CallbackArgs struct {
	// Data set evaluated every EvalFreq epochs and after the final epoch, only the final epoch if
	// EvalFreq is 0. No evaluation if nil.
	EvalSet  *DataLoader
	EvalFreq int
	// Save a checkpoint to SavePath every Serialize epochs keeping the last History files.
	// The network config is saved alongside as JSON.
	Serialize int
	SavePath  string
	History   int
	// Save the model with the lowest evaluation error
	SaveBest string
	// Record run and epoch stats in this sqlite database
	OutputFile string
	// Show progress for each minibatch
	ProgressBar bool
	// Stop if the moving average of the eval error has not improved for this many epochs
	StopAfter int
	ValidEMA  float64
	// Output for the progress log, defaults to stdout
	Writer io.Writer
}

// Callbacks calls each of the registered callbacks in turn.
type Callbacks struct {
	list []Callback
}

// NewCallbacks creates the built in callbacks given the args.
func NewCallbacks(net *Network, args CallbackArgs) (*Callbacks, error) {
	c := &Callbacks{}
	c.Add(&trainCost{})
	if args.EvalFreq < 0 {
		return nil, fmt.Errorf("invalid eval frequency %d", args.EvalFreq)
	}
	if args.EvalSet != nil {
		c.Add(&evalCallback{net: net, dset: args.EvalSet, freq: args.EvalFreq, ema: max(args.ValidEMA, 1)})
		if args.StopAfter > 0 {
			if args.EvalFreq == 0 {
				return nil, fmt.Errorf("early stopping needs an eval frequency of at least 1")
			}
			c.Add(&earlyStop{after: args.StopAfter})
		}
		if args.SaveBest != "" {
			c.Add(&saveBest{file: args.SaveBest})
		}
	}
	if args.Serialize > 0 {
		if args.SavePath == "" {
			return nil, fmt.Errorf("serialize set without a save path")
		}
		c.Add(&serializer{freq: args.Serialize, path: args.SavePath, history: max(args.History, 1)})
	}
	if args.OutputFile != "" {
		h, err := OpenHistory(args.OutputFile)
		if err != nil {
			return nil, err
		}
		c.Add(&historyCallback{hist: h})
	}
	out := args.Writer
	if out == nil {
		out = os.Stdout
	}
	c.Add(&progress{out: out, bar: args.ProgressBar}, &runTimer{out: out})
	return c, nil
}

// Add appends callbacks which are called after the existing ones
func (c *Callbacks) Add(cb ...Callback) {
	c.list = append(c.list, cb...)
}

func (c *Callbacks) OnTrainBegin(s *State) error {
	return c.each(func(cb Callback) error { return cb.OnTrainBegin(s) })
}

func (c *Callbacks) OnEpochBegin(s *State) error {
	return c.each(func(cb Callback) error { return cb.OnEpochBegin(s) })
}

func (c *Callbacks) OnMinibatchEnd(s *State, cost float64) error {
	return c.each(func(cb Callback) error { return cb.OnMinibatchEnd(s, cost) })
}

func (c *Callbacks) OnEpochEnd(s *State) error {
	return c.each(func(cb Callback) error { return cb.OnEpochEnd(s) })
}

// OnTrainEnd is called for every callback even if one fails, the first error is returned.
func (c *Callbacks) OnTrainEnd(s *State) error {
	var first error
	for _, cb := range c.list {
		if err := cb.OnTrainEnd(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close releases any resources held by the callbacks, it is called by Fit when training ends or fails.
func (c *Callbacks) Close() error {
	var first error
	for _, cb := range c.list {
		if cl, ok := cb.(io.Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (c *Callbacks) each(fn func(Callback) error) error {
	for _, cb := range c.list {
		if err := fn(cb); err != nil {
			return err
		}
	}
	return nil
}

// mean of the minibatch costs over the epoch
type trainCost struct {
	CallbackBase
	sum float64
	n   int
}

func (c *trainCost) OnEpochBegin(s *State) error {
	c.sum, c.n = 0, 0
	return nil
}

func (c *trainCost) OnMinibatchEnd(s *State, cost float64) error {
	c.sum += cost
	c.n++
	return nil
}

func (c *trainCost) OnEpochEnd(s *State) error {
	if c.n > 0 {
		s.Current().TrainCost = c.sum / float64(c.n)
	}
	return nil
}

// loss and misclassification error on the evaluation set. If the batch size differs from the
// training network then the weights are copied to a separate network for testing.
type evalCallback struct {
	CallbackBase
	net     *Network
	testNet *Network
	dset    *DataLoader
	freq    int
	ema     float64
	avg     stats.EMA
}

func (c *evalCallback) OnTrainBegin(s *State) error {
	if c.dset.BatchSize != c.net.BatchSize() {
		shape := c.net.InShape()
		c.testNet = New(c.net.Queue(), c.net.Config, c.dset.BatchSize, shape[:len(shape)-1])
	} else {
		c.testNet = c.net
	}
	c.avg = 0
	return nil
}

func (c *evalCallback) OnEpochEnd(s *State) error {
	if s.Epoch != s.Epochs && (c.freq == 0 || s.Epoch%c.freq != 0) {
		return nil
	}
	if c.testNet != c.net {
		c.net.CopyTo(c.testNet)
	}
	if c.net.DebugLevel >= 1 {
		log.Printf("== TEST EPOCH %d ==\n", s.Epoch)
	}
	st := s.Current()
	st.EvalCost, st.EvalError = c.testNet.Evaluate(c.dset, nil)
	c.avg = stats.EMA(c.avg.Add(st.EvalError, c.ema))
	st.AvgError = float64(c.avg)
	st.Evaluated = true
	return nil
}

// stop when the average eval error has not improved for a number of epochs
type earlyStop struct {
	CallbackBase
	after     int
	best      float64
	bestEpoch int
}

func (c *earlyStop) OnTrainBegin(s *State) error {
	c.bestEpoch = 0
	return nil
}

func (c *earlyStop) OnEpochEnd(s *State) error {
	st := s.Current()
	if !st.Evaluated {
		return nil
	}
	if c.bestEpoch == 0 || st.AvgError < c.best {
		c.best, c.bestEpoch = st.AvgError, s.Epoch
	}
	st.BestSince = s.Epoch - c.bestEpoch
	if st.BestSince >= c.after {
		s.Stop(fmt.Sprintf("no improvement for %d epochs", st.BestSince))
	}
	return nil
}

// save the model with the lowest eval error
type saveBest struct {
	CallbackBase
	file string
	best float64
	have bool
}

func (c *saveBest) OnEpochEnd(s *State) error {
	st := s.Current()
	if !st.Evaluated || (c.have && st.EvalError >= c.best) {
		return nil
	}
	c.best, c.have = st.EvalError, true
	return s.Net.SaveCheckpoint(c.file, s.RunID, s.Epoch, s.Stats)
}

// save a checkpoint every freq epochs and at the end of the run, removing old files
type serializer struct {
	CallbackBase
	freq    int
	path    string
	history int
	saved   []string
}

func (c *serializer) fileName(epoch int) string {
	ext := filepath.Ext(c.path)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(c.path, ext), epoch, ext)
}

// ConfigFile is the name of the JSON config file written next to the checkpoints in path.
func ConfigFile(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "_config.json"
}

func (c *serializer) OnTrainBegin(s *State) error {
	return s.Net.Config.Save(ConfigFile(c.path))
}

func (c *serializer) save(s *State) error {
	name := c.fileName(s.Epoch)
	if len(c.saved) > 0 && c.saved[len(c.saved)-1] == name {
		return nil
	}
	if err := s.Net.SaveCheckpoint(name, s.RunID, s.Epoch, s.Stats); err != nil {
		return err
	}
	c.saved = append(c.saved, name)
	for len(c.saved) > c.history {
		if err := os.Remove(c.saved[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		c.saved = c.saved[1:]
	}
	return nil
}

func (c *serializer) OnEpochEnd(s *State) error {
	if s.Epoch%c.freq != 0 {
		return nil
	}
	return c.save(s)
}

func (c *serializer) OnTrainEnd(s *State) error {
	if s.Epoch == 0 {
		return nil
	}
	return c.save(s)
}

// record the run in the history database
type historyCallback struct {
	CallbackBase
	hist *History
}

func (c *historyCallback) OnTrainBegin(s *State) error {
	return c.hist.StartRun(s.RunID, s.Net.Config, s.Start)
}

func (c *historyCallback) OnEpochEnd(s *State) error {
	return c.hist.AddEpoch(s.RunID, *s.Current())
}

func (c *historyCallback) OnTrainEnd(s *State) error {
	return c.hist.EndRun(s.RunID, s.Epoch, s.Stopped())
}

func (c *historyCallback) Close() error {
	return c.hist.Close()
}

// log the stats after each epoch with optional progress for each minibatch
type progress struct {
	CallbackBase
	out  io.Writer
	bar  bool
	rate stats.Rate
}

const barWidth = 30

func (c *progress) OnEpochBegin(s *State) error {
	c.rate.Start()
	return nil
}

func (c *progress) OnMinibatchEnd(s *State, cost float64) error {
	if !c.bar {
		return nil
	}
	c.rate.Add(s.Train.BatchSize)
	done := s.Batch * barWidth / s.Batches
	fmt.Fprintf(c.out, "\repoch %3d [%s%s] %d/%d cost=%.4f %.0f/s ", s.Epoch, strings.Repeat("=", done),
		strings.Repeat(" ", barWidth-done), s.Batch, s.Batches, cost, c.rate.PerSec())
	if s.Batch == s.Batches {
		fmt.Fprintln(c.out)
	}
	return nil
}

func (c *progress) OnEpochEnd(s *State) error {
	st := s.Current()
	msg := fmt.Sprintf("epoch %3d:", s.Epoch)
	headers := StatsHeaders()
	for i, val := range st.Format() {
		msg += fmt.Sprintf("  %s =%s", headers[i], val)
	}
	if st.BestSince >= 0 {
		msg += fmt.Sprintf(" [%d]", st.BestSince)
	}
	fmt.Fprintln(c.out, msg)
	return nil
}

// total run time
type runTimer struct {
	CallbackBase
	out io.Writer
}

func (c *runTimer) OnTrainEnd(s *State) error {
	fmt.Fprintf(c.out, "run time: %s\n", time.Since(s.Start).Round(10*time.Millisecond))
	return nil
}
