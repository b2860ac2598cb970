package web

import (
	"bytes"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/jnb666/convnet/nnet"
)

const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 3 * vg.Inch
)

type series struct {
	name  string
	value func(s nnet.Stats) (float64, bool)
}

var lossSeries = []series{
	{"training loss", func(s nnet.Stats) (float64, bool) { return s.TrainCost, true }},
	{"test loss", func(s nnet.Stats) (float64, bool) { return s.EvalCost, s.Evaluated }},
}

var errorSeries = []series{
	{"test error %", func(s nnet.Stats) (float64, bool) { return 100 * s.EvalError, s.Evaluated }},
	{"average %", func(s nnet.Stats) (float64, bool) { return 100 * s.AvgError, s.Evaluated }},
}

// Chart the values for each epoch as an SVG image.
func plotStats(stats []nnet.Stats, list []series) ([]byte, error) {
	p := newPlot()
	xmax := 1.0
	if len(stats) > 0 {
		xmax = max(xmax, float64(stats[len(stats)-1].Epoch))
	}
	for i, ser := range list {
		line, err := newLinePlot(stats, ser, i, xmax)
		if err != nil {
			return nil, err
		}
		if line.Line != nil {
			p.Add(line)
			p.Legend.Add(ser.name, line)
		}
	}
	var buf bytes.Buffer
	writer, err := p.WriterTo(plotWidth, plotHeight, "svg")
	if err != nil {
		return nil, err
	}
	if _, err := writer.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Label.Text = "epoch"
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func newLinePlot(stats []nnet.Stats, ser series, ix int, xmax float64) (linePlot, error) {
	var pts plotter.XYs
	ymax := 0.0
	for _, s := range stats {
		y, ok := ser.value(s)
		if !ok {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(s.Epoch), Y: y})
		ymax = max(ymax, y)
	}
	if len(pts) == 0 {
		return linePlot{}, nil
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return linePlot{}, err
	}
	l.Width = vg.Points(2)
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}, nil
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
