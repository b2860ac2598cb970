// Train a small convolutional network on the CIFAR-10 images with random crop and flip augmentation
// and print the misclassification error on the test set.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"

	"github.com/jnb666/convnet/argparser"
	"github.com/jnb666/convnet/img"
	"github.com/jnb666/convnet/nnet"
	"github.com/jnb666/convnet/num"
	"github.com/jnb666/convnet/web"
)

const (
	channels = 3
	height   = 30
	width    = 30
)

func main() {
	p := argparser.New("cifar10_conv", "Train a convolutional network on CIFAR-10 with image augmentation")
	err := p.Parse(os.Args[1:])
	if errors.Is(err, argparser.ErrHelp) {
		return
	}
	if err == nil {
		err = run(&p.Args)
	}
	nnet.CheckErr(err)
}

func run(args *argparser.Args) error {
	logFile, err := args.SetupLog()
	if err != nil {
		return err
	}
	defer logFile.Close()

	train, err := img.LoadDir(filepath.Join(args.DataDir, "train"), channels)
	if err != nil {
		return err
	}
	test, err := img.LoadDir(filepath.Join(args.DataDir, "test"), channels)
	if err != nil {
		return err
	}
	if err := checkClasses(train, test); err != nil {
		return err
	}
	mean, std := img.GetStats(train.Images)
	train.SetStats(mean, std)
	test.SetStats(mean, std)

	conf, err := args.ApplySettings(netConfig(args, len(train.Classes())))
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	if conf.DebugLevel >= 1 {
		fmt.Println(num.CPUInfo())
		fmt.Println(conf)
	}
	rng := nnet.SetSeed(conf.RandSeed)
	dev := num.NewCPUDevice()
	q := dev.NewQueue(conf.Threads)
	defer q.Shutdown()
	q.Profiling(conf.Profile)

	trainParams := img.Params{Channels: channels, Height: height, Width: width, Augment: true, Normalise: true}
	testParams := img.Params{Channels: channels, Height: height, Width: width, Normalise: true}
	trainSet, err := nnet.NewDataLoader(dev, train, trainParams, conf.TrainBatch, conf.MaxSamples, conf.Shuffle, rng)
	if err != nil {
		return err
	}
	defer trainSet.Release()
	testSet, err := nnet.NewDataLoader(dev, test, testParams, conf.TestBatch, 0, false, rng)
	if err != nil {
		return err
	}
	defer testSet.Release()

	net := nnet.New(q, conf, conf.TrainBatch, trainParams.Shape())
	net.InitWeights(rng)
	if args.ModelFile != "" {
		if err := loadWeights(net, args.ModelFile); err != nil {
			return err
		}
	}
	if conf.DebugLevel >= 1 {
		fmt.Println(net)
	}

	cbArgs := args.CallbackArgs(os.Stdout)
	cbArgs.EvalSet = testSet
	cbArgs.ValidEMA = conf.ValidEMA
	callbacks, err := nnet.NewCallbacks(net, cbArgs)
	if err != nil {
		return err
	}
	if args.Serve != "" {
		mon, err := startMonitor(args)
		if err != nil {
			return err
		}
		callbacks.Add(mon)
	}

	if err := nnet.Fit(net, trainSet, nnet.NewOptimizer(conf, rng), args.Epochs, callbacks); err != nil {
		return err
	}
	errRate := net.Error(testSet, nil)
	fmt.Printf("Misclassification error = %.1f%%\n", errRate*100)
	return nil
}

// train and test labels are indexes into the class list so the lists must be the same
func checkClasses(train, test *img.Data) error {
	if len(train.Classes()) < 2 {
		return fmt.Errorf("need at least 2 classes in the training set: got %v", train.Classes())
	}
	if !slices.Equal(train.Classes(), test.Classes()) {
		return fmt.Errorf("test classes %v do not match training classes %v", test.Classes(), train.Classes())
	}
	return nil
}

func loadWeights(net *nnet.Network, name string) error {
	ckpt, err := nnet.LoadCheckpoint(name)
	if err != nil {
		return err
	}
	if err := ckpt.Restore(net); err != nil {
		return fmt.Errorf("error loading weights from %s: %w", name, err)
	}
	log.Printf("loaded weights from %s: run %s epoch %d", name, ckpt.RunID, ckpt.Epoch)
	return nil
}

// conv, pool, conv, pool, affine, affine with batch norm after each of the first three
// weight layers. None of the weight layers have a bias term.
func netConfig(args *argparser.Args, nclass int) nnet.Config {
	conf := nnet.DefaultConfig
	conf.DataSet = args.DataDir
	conf.Eta = 0.01
	conf.Momentum = 0.9
	conf.Rounding = args.Rounding
	conf.WeightInit = nnet.Uniform
	conf.WeightScale = 0.1
	conf.TrainBatch = args.BatchSize
	conf.TestBatch = args.BatchSize
	conf.MaxEpoch = args.Epochs
	conf.StopAfter = args.StopAfter
	conf.RandSeed = args.Seed
	conf.Threads = args.Threads
	conf.DebugLevel = args.Verbose
	conf.Profile = args.Profile
	return conf.AddLayers(
		nnet.Conv{Nfeats: 16, Size: 5, NoBias: true},
		nnet.BatchNorm{},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Conv{Nfeats: 32, Size: 5, NoBias: true},
		nnet.BatchNorm{},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Flatten{},
		nnet.Linear{Nout: 500, NoBias: true},
		nnet.BatchNorm{},
		nnet.Activation{Atype: "relu"},
		nnet.Linear{Nout: nclass, NoBias: true},
		nnet.Activation{Atype: "softmax"},
	)
}

func startMonitor(args *argparser.Args) (*web.Monitor, error) {
	mon := web.NewMonitor("cifar10_conv "+args.DataDir, nil)
	var auth *web.AuthMiddleware
	switch args.Auth {
	case "basic":
		auth = web.NewAuthMiddleware(mon.Store(), web.StaticAuth(args.WebUser, args.WebPassword))
	case "pam":
		if web.PamAuth == nil {
			return nil, errors.New("pam auth is not supported: rebuild with -tags pam")
		}
		auth = web.NewAuthMiddleware(mon.Store(), web.PamAuth)
	}
	if _, err := mon.Serve(args.Serve, auth); err != nil {
		return nil, err
	}
	return mon, nil
}
