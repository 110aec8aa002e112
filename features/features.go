// Package features turns an epoch's time x channel matrix into classifier
// input.
package features

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// Normalization selects how a raw matrix is scaled before classification.
type Normalization string

const (
	NormalizeNone Normalization = "none"
	// NormalizeEpoch z-scores each channel with the epoch's own mean and
	// population standard deviation.
	NormalizeEpoch Normalization = "epoch"
)

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(s); n {
	case NormalizeNone, NormalizeEpoch:
		return n, nil
	}
	return "", fmt.Errorf("unknown normalization %q", s)
}

// Extractor derives one feature vector from a time x channel matrix holding
// every recorded channel.
type Extractor interface {
	Kind() string
	Extract(m [][]float64) (eeg.FeatureVector, error)
}

// New builds the extractor named by the features config. norm applies to the
// raw extractor only.
func New(c cfg.Features, norm Normalization) (Extractor, error) {
	switch c.Kind {
	case "statistical":
		return Statistical{Channels: c.Channels}, nil
	case "raw":
		return Raw{Channels: c.Channels, Normalization: norm}, nil
	}
	return nil, fmt.Errorf("unknown feature kind %q", c.Kind)
}

// WarnSkew logs when training and live inference normalise differently. The
// two switches are deliberately independent; the warning is the only link.
func WarnSkew(log logrus.FieldLogger, kind string, offline, live Normalization) bool {
	if kind != "raw" || offline == live {
		return false
	}
	log.WithFields(logrus.Fields{
		"epoch.normalization": offline,
		"live.normalization":  live,
	}).Warn("training/inference normalization skew")
	return true
}

// Statistical emits (mean, std) per selected channel, 2*C values. The
// standard deviation is the sample (n-1) estimate; a single sample has 0.
type Statistical struct {
	Channels []int
}

func (Statistical) Kind() string { return "statistical" }

func (s Statistical) Extract(m [][]float64) (eeg.FeatureVector, error) {
	cols, err := columns(m, s.Channels)
	if err != nil {
		return eeg.FeatureVector{}, err
	}
	out := make([]float64, 0, 2*len(cols))
	for _, col := range cols {
		mean, std := stat.MeanStdDev(col, nil)
		if len(col) < 2 {
			std = 0
		}
		out = append(out, mean, std)
	}
	return eeg.FeatureVector{Values: out, Rows: 1, Cols: len(out)}, nil
}

// Raw emits the selected channels as a row-major time x channel matrix.
type Raw struct {
	Channels      []int
	Normalization Normalization
}

func (Raw) Kind() string { return "raw" }

func (r Raw) Extract(m [][]float64) (eeg.FeatureVector, error) {
	cols, err := columns(m, r.Channels)
	if err != nil {
		return eeg.FeatureVector{}, err
	}
	if r.Normalization == NormalizeEpoch {
		for _, col := range cols {
			zscore(col)
		}
	}
	rows := len(m)
	out := make([]float64, rows*len(cols))
	for c, col := range cols {
		for t, v := range col {
			out[t*len(cols)+c] = v
		}
	}
	return eeg.FeatureVector{Values: out, Rows: rows, Cols: len(cols)}, nil
}

// NormalizeRows returns a copy of a time x channel matrix with every channel
// z-scored over its own rows. The live path applies it before padding so
// the padding stays zero.
func NormalizeRows(m [][]float64) [][]float64 {
	if len(m) == 0 {
		return m
	}
	width := len(m[0])
	out := make([][]float64, len(m))
	for t := range out {
		out[t] = make([]float64, width)
	}
	col := make([]float64, len(m))
	for c := 0; c < width; c++ {
		for t, row := range m {
			col[t] = 0
			if c < len(row) {
				col[t] = row[c]
			}
		}
		zscore(col)
		for t := range out {
			out[t][c] = col[t]
		}
	}
	return out
}

// zscore scales col in place. A flat channel is only centred.
func zscore(col []float64) {
	mean, std := stat.PopMeanStdDev(col, nil)
	for i, v := range col {
		if std > 0 {
			col[i] = (v - mean) / std
		} else {
			col[i] = v - mean
		}
	}
}

// columns copies the selected channels out of a time x channel matrix.
func columns(m [][]float64, channels []int) ([][]float64, error) {
	if len(m) == 0 {
		return nil, eeg.ErrInsufficientSamples
	}
	width := len(m[0])
	if channels == nil {
		channels = make([]int, width)
		for i := range channels {
			channels[i] = i
		}
	}
	cols := make([][]float64, len(channels))
	for c, ch := range channels {
		if ch < 0 || ch >= width {
			return nil, fmt.Errorf("channel %d out of range (have %d)", ch, width)
		}
		col := make([]float64, len(m))
		for t, row := range m {
			if ch < len(row) {
				col[t] = row[ch]
			}
		}
		cols[c] = col
	}
	return cols, nil
}
