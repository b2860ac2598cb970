package img

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/jnb666/convnet/stats"
)

func init() {
	gob.Register(&GrayImage{})
	gob.Register(&RGBImage{})
}

// Data is a labelled set of images which all have the same size and number of channels.
type Data struct {
	DataHead
	Images []Image
}

type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
	Mean   []float32
	StdDev []float32
	// digest of the source files when loaded with LoadDir
	Source string
}

// Create a new image set
func NewData(classes []string, labels []int32, images []Image) (*Data, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images in data set")
	}
	if len(labels) != len(images) {
		return nil, fmt.Errorf("have %d labels for %d images", len(labels), len(images))
	}
	b := images[0].Bounds()
	dims := []int{b.Dx(), b.Dy(), images[0].Channels()}
	for i, m := range images {
		if mb := m.Bounds(); mb.Dx() != dims[0] || mb.Dy() != dims[1] || m.Channels() != dims[2] {
			return nil, fmt.Errorf("image %d: size %dx%dx%d does not match %v", i, mb.Dx(), mb.Dy(), m.Channels(), dims)
		}
	}
	for i, l := range labels {
		if l < 0 || int(l) >= len(classes) {
			return nil, fmt.Errorf("image %d: label %d out of range for %d classes", i, l, len(classes))
		}
	}
	return &Data{
		DataHead: DataHead{Class: classes, Dims: dims, Labels: labels},
		Images:   images,
	}, nil
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns width, height, channels
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// SetStats sets the per channel mean and standard deviation used for normalisation.
func (d *Data) SetStats(mean, std []float32) {
	d.Mean, d.StdDev = mean, std
}

// Encode data to binary file
func (d *Data) Encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(&d.DataHead); err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	for i := range d.Images {
		if err := enc.Encode(&d.Images[i]); err != nil {
			return fmt.Errorf("error encoding image %d: %w", i, err)
		}
	}
	return nil
}

// Decode data from binary file
func (d *Data) Decode(r io.Reader) error {
	d.DataHead = DataHead{}
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&d.DataHead); err != nil {
		return fmt.Errorf("error decoding header: %w", err)
	}
	d.Images = make([]Image, d.Len())
	for i := range d.Images {
		if err := dec.Decode(&d.Images[i]); err != nil {
			return fmt.Errorf("error decoding image %d: %w", i, err)
		}
	}
	return nil
}

// Calculate per channel mean and stddev from set of images
func GetStats(images []Image) (mean, std []float32) {
	channels := images[0].Channels()
	stat := make([]stats.Average, channels)
	for _, img := range images {
		for ch := range stat {
			for _, val := range img.Pixels(ch) {
				stat[ch].Add(float64(val))
			}
		}
	}
	mean = make([]float32, channels)
	std = make([]float32, channels)
	for i, s := range stat {
		mean[i] = float32(s.Mean)
		std[i] = float32(s.StdDev)
	}
	return mean, std
}
