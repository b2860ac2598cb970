// Package argparser provides the command line, environment and config file options shared by the training programs.
package argparser

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/jnb666/convnet/nnet"
)

// EnvPrefix is prepended to the environment variable names
const EnvPrefix = "CIFAR_"

// ErrHelp is returned from Parse if the usage message was printed instead of running the command.
var ErrHelp = errors.New("help requested")

// Args holds the generic training options
type Args struct {
	DataDir     string   `yaml:"data_dir" env:"DATA_DIR"`
	Epochs      int      `yaml:"epochs" env:"EPOCHS" envDefault:"10"`
	BatchSize   int      `yaml:"batch_size" env:"BATCH_SIZE" envDefault:"128"`
	Rounding    int      `yaml:"rounding" env:"ROUNDING"`
	Seed        int64    `yaml:"rng_seed" env:"RNG_SEED"`
	Threads     int      `yaml:"threads" env:"THREADS"`
	EvalFreq    int      `yaml:"eval_freq" env:"EVAL_FREQ" envDefault:"1"`
	Serialize   int      `yaml:"serialize" env:"SERIALIZE"`
	SavePath    string   `yaml:"save_path" env:"SAVE_PATH"`
	History     int      `yaml:"history" env:"HISTORY" envDefault:"1"`
	ModelFile   string   `yaml:"model_file" env:"MODEL_FILE"`
	SaveBest    string   `yaml:"save_best" env:"SAVE_BEST"`
	OutputFile  string   `yaml:"output_file" env:"OUTPUT_FILE"`
	ProgressBar bool     `yaml:"progress_bar" env:"PROGRESS_BAR"`
	StopAfter   int      `yaml:"stop_after" env:"STOP_AFTER"`
	LogFile     string   `yaml:"log" env:"LOG"`
	Verbose     int      `yaml:"verbose"`
	Config      string   `yaml:"-" env:"CONFIG"`
	Serve       string   `yaml:"serve" env:"SERVE"`
	Auth        string   `yaml:"auth" env:"AUTH"`
	WebUser     string   `yaml:"web_user" env:"WEB_USER"`
	WebPassword string   `yaml:"-" env:"WEB_PASSWORD"`
	Profile     bool     `yaml:"profile" env:"PROFILE"`
	Set         []string `yaml:"set" env:"SET"`
}

// Parser wraps a cobra command with flags bound to the Args fields.
// Values are taken from the defaults and environment, then the YAML config file if given, then the flags.
type Parser struct {
	Args
	Cmd    *cobra.Command
	envErr error
	ran    bool
}

// New creates a new parser for the named program. Environment variables are read at this point so
// they are shown as the flag defaults in the usage message.
func New(name, doc string) *Parser {
	p := &Parser{}
	p.envErr = env.ParseWithOptions(&p.Args, env.Options{Prefix: EnvPrefix})
	p.Cmd = &cobra.Command{
		Use:           name,
		Short:         doc,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ran = true
			return p.load(cmd.Flags())
		},
	}
	f := p.Cmd.Flags()
	f.SortFlags = false
	f.StringVarP(&p.DataDir, "data_dir", "w", p.DataDir, "directory containing the train and test data")
	f.IntVarP(&p.Epochs, "epochs", "e", p.Epochs, "number of complete passes over the dataset")
	f.IntVarP(&p.BatchSize, "batch_size", "z", p.BatchSize, "minibatch size")
	f.IntVar(&p.Rounding, "rounding", p.Rounding, "stochastic rounding mantissa bits, 0 for none")
	f.Int64VarP(&p.Seed, "rng_seed", "r", p.Seed, "random number seed, 0 to seed from the clock")
	f.IntVar(&p.Threads, "threads", p.Threads, "number of compute threads, 0 for one per core")
	f.IntVar(&p.EvalFreq, "eval_freq", p.EvalFreq, "frequency in epochs to evaluate the test set, 0 for the final epoch only")
	f.IntVar(&p.Serialize, "serialize", p.Serialize, "save a checkpoint every n epochs, 0 to disable")
	f.StringVarP(&p.SavePath, "save_path", "s", p.SavePath, "file to save checkpoints to")
	f.IntVar(&p.History, "history", p.History, "number of checkpoint files to keep")
	f.StringVar(&p.ModelFile, "model_file", p.ModelFile, "checkpoint file to load the initial weights from")
	f.StringVar(&p.SaveBest, "save_best", p.SaveBest, "file to save the model with the lowest test error to")
	f.StringVarP(&p.OutputFile, "output_file", "o", p.OutputFile, "sqlite database to record the training history")
	f.BoolVar(&p.ProgressBar, "progress_bar", p.ProgressBar, "show minibatch progress")
	f.IntVar(&p.StopAfter, "stop_after", p.StopAfter, "stop if the test error has not improved for n epochs, 0 to disable")
	f.StringVarP(&p.LogFile, "log", "l", p.LogFile, "also write log messages to this file")
	f.CountVarP(&p.Verbose, "verbose", "v", "verbose output, repeat for more detail")
	f.StringVarP(&p.Config, "config", "c", p.Config, "YAML file with option values")
	f.StringVar(&p.Serve, "serve", p.Serve, "address for the web training monitor, e.g. :8080")
	f.StringVar(&p.Auth, "auth", p.Auth, "web monitor login: none, basic or pam")
	f.StringVar(&p.WebUser, "web_user", p.WebUser, "user name for basic auth, the password is read from "+EnvPrefix+"WEB_PASSWORD")
	f.BoolVar(&p.Profile, "profile", p.Profile, "print compute profile at end of run")
	f.StringArrayVar(&p.Set, "set", p.Set, "override a network setting as Key=value, e.g. --set Eta=0.02, may be repeated")
	return p
}

// Parse processes the command line arguments and validates the result.
func (p *Parser) Parse(argv []string) error {
	if p.envErr != nil {
		return fmt.Errorf("error reading environment: %w", p.envErr)
	}
	if argv == nil {
		argv = []string{}
	}
	p.Cmd.SetArgs(argv)
	if err := p.Cmd.Execute(); err != nil {
		return err
	}
	if !p.ran {
		return ErrHelp
	}
	return nil
}

func (p *Parser) load(f *pflag.FlagSet) error {
	if p.Config != "" {
		changed := map[string]string{}
		lists := map[string][]string{}
		f.Visit(func(fl *pflag.Flag) {
			if sv, ok := fl.Value.(pflag.SliceValue); ok {
				lists[fl.Name] = sv.GetSlice()
			} else {
				changed[fl.Name] = fl.Value.String()
			}
		})
		if err := p.readConfig(p.Config); err != nil {
			return err
		}
		for name, val := range changed {
			if err := f.Set(name, val); err != nil {
				return err
			}
		}
		for name, list := range lists {
			if err := f.Lookup(name).Value.(pflag.SliceValue).Replace(list); err != nil {
				return err
			}
		}
	}
	return p.Validate()
}

func (p *Parser) readConfig(name string) error {
	data, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, &p.Args); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", name, err)
	}
	return nil
}

// Validate checks the option values
func (a *Args) Validate() error {
	if a.DataDir == "" {
		return errors.New("data_dir is required")
	}
	info, err := os.Stat(a.DataDir)
	if err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data_dir: %s is not a directory", a.DataDir)
	}
	switch {
	case a.Epochs < 1:
		return fmt.Errorf("epochs must be at least 1: got %d", a.Epochs)
	case a.BatchSize < 1:
		return fmt.Errorf("batch_size must be at least 1: got %d", a.BatchSize)
	case a.Rounding < 0 || a.Rounding > 23:
		return fmt.Errorf("rounding must be between 0 and 23 bits: got %d", a.Rounding)
	case a.EvalFreq < 0 || a.Serialize < 0 || a.StopAfter < 0:
		return errors.New("eval_freq, serialize and stop_after must not be negative")
	case a.History < 1:
		return fmt.Errorf("history must be at least 1: got %d", a.History)
	case a.Serialize > 0 && a.SavePath == "":
		return errors.New("save_path is required with serialize")
	case a.EvalFreq == 0 && a.StopAfter > 0:
		return errors.New("stop_after requires eval_freq of at least 1")
	}
	if a.ModelFile != "" {
		if _, err := os.Stat(a.ModelFile); err != nil {
			return fmt.Errorf("model_file: %w", err)
		}
	}
	for _, kv := range a.Set {
		if key, _, ok := strings.Cut(kv, "="); !ok || key == "" {
			return fmt.Errorf("invalid setting %q: expecting Key=value", kv)
		}
	}
	switch a.Auth {
	case "", "none", "pam":
	case "basic":
		if a.WebUser == "" || a.WebPassword == "" {
			return errors.New("basic auth requires web_user and " + EnvPrefix + "WEB_PASSWORD")
		}
	default:
		return fmt.Errorf("invalid auth option %q", a.Auth)
	}
	return nil
}

// CallbackArgs returns the options for the training callbacks. EvalSet is left for the caller to fill in.
func (a *Args) CallbackArgs(w io.Writer) nnet.CallbackArgs {
	return nnet.CallbackArgs{
		EvalFreq:    a.EvalFreq,
		Serialize:   a.Serialize,
		SavePath:    a.SavePath,
		History:     a.History,
		SaveBest:    a.SaveBest,
		OutputFile:  a.OutputFile,
		ProgressBar: a.ProgressBar,
		StopAfter:   a.StopAfter,
		Writer:      w,
	}
}

// ApplySettings updates the network config with the Key=value pairs from the set option.
func (a *Args) ApplySettings(conf nnet.Config) (nnet.Config, error) {
	for _, kv := range a.Set {
		key, val, _ := strings.Cut(kv, "=")
		var err error
		if conf, err = conf.SetString(key, val); err != nil {
			return conf, fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return conf, nil
}

// SetupLog turns off log timestamps and copies the log output to LogFile if set.
func (a *Args) SetupLog() (io.Closer, error) {
	log.SetFlags(0)
	if a.LogFile == "" {
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(a.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}
