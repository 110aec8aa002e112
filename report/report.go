// Package report renders labelled recordings for visual inspection.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

var labelColors = map[eeg.Label]color.Color{
	eeg.Nothing:      color.Gray{Y: 128},
	eeg.LeftBlink:    color.RGBA{B: 220, A: 255},
	eeg.RightBlink:   color.RGBA{R: 220, A: 255},
	eeg.BothBlink:    color.RGBA{R: 128, B: 128, A: 255},
	eeg.EyebrowRaise: color.RGBA{G: 160, A: 255},
}

type Options struct {
	Title    string
	Channels []int   // 0-based; nil plots every channel
	YLim     float64 // symmetric amplitude limit, 0 = auto
	Width    vg.Length
	Height   vg.Length
}

// PlotLabeled draws the selected channels over time above a timeline of the
// active label and saves both as one PNG.
func PlotLabeled(path string, recs []eeg.MergedRecord, o Options) error {
	if len(recs) == 0 {
		return eeg.ErrNoSampleData
	}
	if o.Width == 0 {
		o.Width = 12 * vg.Inch
	}
	if o.Height == 0 {
		o.Height = 8 * vg.Inch
	}
	channels := o.Channels
	if channels == nil {
		for c := range recs[0].Channels {
			channels = append(channels, c)
		}
	}
	if len(channels) == 0 {
		return errors.New("report: no channels to plot")
	}

	traces, err := channelPlot(recs, channels, o)
	if err != nil {
		return err
	}
	timeline, err := labelPlot(recs)
	if err != nil {
		return err
	}
	timeline.X.Min, timeline.X.Max = traces.X.Min, traces.X.Max

	img := vgimg.New(o.Width, o.Height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{traces}, {timeline}}, tiles, dc)
	traces.Draw(canvases[0][0])
	timeline.Draw(canvases[1][0])

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func channelPlot(recs []eeg.MergedRecord, channels []int, o Options) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = o.Title
	if p.Title.Text == "" {
		p.Title.Text = "EEG channel data"
	}
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Amplitude (µV)"
	p.Add(plotter.NewGrid())

	for i, ch := range channels {
		pts := make(plotter.XYs, 0, len(recs))
		for _, r := range recs {
			if ch < 0 || ch >= len(r.Channels) {
				return nil, fmt.Errorf("report: channel %d out of range", ch)
			}
			pts = append(pts, plotter.XY{X: r.Time, Y: r.Channels[ch]})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Width = vg.Points(1)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("Channel %d", ch+1), line)
	}
	if o.YLim > 0 {
		p.Y.Min, p.Y.Max = -o.YLim, o.YLim
	}
	return p, nil
}

// labelPlot draws one horizontal segment per run of constant label.
func labelPlot(recs []eeg.MergedRecord) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Label timeline"
	p.X.Label.Text = "Time (s)"

	var ticks []plot.Tick
	for _, l := range eeg.Labels() {
		ticks = append(ticks, plot.Tick{Value: float64(l), Label: l.String()})
	}
	p.Y.Tick.Marker = plot.ConstantTicks(ticks)
	p.Y.Min, p.Y.Max = -0.5, float64(len(ticks))-0.5

	start := 0
	for i := 1; i <= len(recs); i++ {
		if i < len(recs) && recs[i].Label == recs[start].Label {
			continue
		}
		l := recs[start].Label
		end := recs[i-1].Time
		if i < len(recs) {
			end = recs[i].Time
		}
		seg, err := plotter.NewLine(plotter.XYs{{X: recs[start].Time, Y: float64(l)}, {X: end, Y: float64(l)}})
		if err != nil {
			return nil, err
		}
		seg.Width = vg.Points(6)
		seg.Color = labelColors[l]
		p.Add(seg)
		start = i
	}
	return p, nil
}
