package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

// Weight initialisation schemes
type InitType string

const (
	Uniform       InitType = "uniform"
	Normal        InitType = "normal"
	GlorotUniform InitType = "glorot"
)

// Training configuration settings
type Config struct {
	DataSet      string
	Eta          float64
	EtaDecay     float64
	EtaDecayStep int
	Momentum     float64
	Nesterov     bool
	Lambda       float64
	Rounding     int
	WeightInit   InitType
	WeightScale  float64
	Shuffle      bool
	TrainBatch   int
	TestBatch    int
	MaxEpoch     int
	MaxSamples   int
	StopAfter    int
	ValidEMA     float64
	RandSeed     int64
	DebugLevel   int
	Threads      int
	Profile      bool
	Layers       []LayerConfig
}

// DefaultConfig has the settings used unless overridden
var DefaultConfig = Config{
	Eta:         0.01,
	Momentum:    0.9,
	WeightInit:  Uniform,
	WeightScale: 0.1,
	Shuffle:     true,
	TrainBatch:  128,
	TestBatch:   128,
	MaxEpoch:    10,
	ValidEMA:    10,
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save config to JSON file, the file is replaced atomically
func (c Config) Save(name string) error {
	tmp := filepath.Join(filepath.Dir(name), "."+filepath.Base(name))
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// Validate checks the settings are in range
func (c Config) Validate() error {
	switch {
	case c.Eta <= 0:
		return fmt.Errorf("learning rate must be positive: %g", c.Eta)
	case c.Momentum < 0 || c.Momentum >= 1:
		return fmt.Errorf("momentum must be in range [0, 1): %g", c.Momentum)
	case c.Rounding < 0 || c.Rounding > 23:
		return fmt.Errorf("rounding bits must be in range 0-23: %d", c.Rounding)
	case c.TrainBatch < 1 || c.TestBatch < 1:
		return fmt.Errorf("batch size must be at least 1")
	case c.MaxEpoch < 1:
		return fmt.Errorf("number of epochs must be at least 1: %d", c.MaxEpoch)
	}
	switch c.WeightInit {
	case Uniform, Normal, GlorotUniform:
	default:
		return fmt.Errorf("invalid weight init type %q", c.WeightInit)
	}
	for i, l := range c.Layers {
		if err := l.validate(); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, fmt.Errorf("invalid config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	default:
		return c, fmt.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}
