package nnet

import (
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
)

// Training statistics for one epoch
type Stats struct {
	Epoch     int
	TrainCost float64
	EvalCost  float64
	EvalError float64
	AvgError  float64
	Evaluated bool
	BestSince int
	Elapsed   time.Duration
}

// StatsHeaders are the column names for the values returned by Stats.Format
func StatsHeaders() []string {
	return []string{"train cost", "eval cost", "eval error", "avg error"}
}

func (s Stats) Format() []string {
	str := []string{fmt.Sprintf("%7.4f", s.TrainCost)}
	if s.Evaluated {
		str = append(str,
			fmt.Sprintf("%7.4f", s.EvalCost),
			fmt.Sprintf("%6.2f%%", s.EvalError*100),
			fmt.Sprintf("%6.2f%%", s.AvgError*100),
		)
	}
	return str
}

// State is passed to each of the callbacks during training.
type State struct {
	Net     *Network
	Train   *DataLoader
	RunID   string
	Epoch   int
	Epochs  int
	Batch   int
	Batches int
	Start   time.Time
	Stats   []Stats
	stop    string
}

// Current stats for this epoch
func (s *State) Current() *Stats {
	if len(s.Stats) == 0 {
		return nil
	}
	return &s.Stats[len(s.Stats)-1]
}

// Stop requests that training ends after the current epoch.
func (s *State) Stop(reason string) {
	if s.stop == "" {
		s.stop = reason
	}
}

// Stopped returns the reason training was stopped early, or "" if it was not.
func (s *State) Stopped() string { return s.stop }

// Fit trains the network on the training set for the given number of epochs, calling the optimizer to update
// the weights after each batch. Training ends early if a callback calls State.Stop. If cb implements
// io.Closer it is closed before returning, whether or not training succeeded.
func Fit(net *Network, train *DataLoader, opt *Optimizer, epochs int, cb Callback) (err error) {
	if cb == nil {
		cb = &Callbacks{}
	}
	if c, ok := cb.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}()
	}
	if train.BatchSize != net.BatchSize() {
		return fmt.Errorf("training batch size %d does not match network %d", train.BatchSize, net.BatchSize())
	}
	s := &State{
		Net:     net,
		Train:   train,
		RunID:   uuid.NewString(),
		Epochs:  epochs,
		Batches: train.Batches,
		Start:   time.Now(),
	}
	if err := cb.OnTrainBegin(s); err != nil {
		return err
	}
	for epoch := 1; epoch <= epochs && s.stop == ""; epoch++ {
		s.Epoch, s.Batch = epoch, 0
		s.Stats = append(s.Stats, Stats{Epoch: epoch, BestSince: -1})
		if err := cb.OnEpochBegin(s); err != nil {
			return err
		}
		if err := trainEpoch(s, opt, cb); err != nil {
			return err
		}
		s.Current().Elapsed = time.Since(s.Start)
		if err := cb.OnEpochEnd(s); err != nil {
			return err
		}
	}
	if s.stop != "" && net.DebugLevel >= 1 {
		log.Printf("training stopped at epoch %d: %s", s.Epoch, s.stop)
	}
	return cb.OnTrainEnd(s)
}

// run one epoch over the training set
func trainEpoch(s *State, opt *Optimizer, cb Callback) error {
	net, dset := s.Net, s.Train
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			log.Printf("== train batch %d ==\n", batch)
		}
		x, _, yOneHot, _ := dset.NextBatch()
		cost := net.TrainBatch(x, yOneHot)
		if math.IsNaN(cost) || math.IsInf(cost, 0) {
			return fmt.Errorf("epoch %d batch %d: training cost is %g", s.Epoch, batch, cost)
		}
		opt.Update(net, s.Epoch)
		s.Batch = batch + 1
		if err := cb.OnMinibatchEnd(s, cost); err != nil {
			return err
		}
		if net.DebugLevel >= 3 {
			net.PrintWeights()
		}
	}
	net.Queue().Finish()
	return nil
}
