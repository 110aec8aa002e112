// Package eeg holds the records that flow through the capture, epoching and
// classification stages.
package eeg

import (
	"fmt"
	"time"
)

// Label is the operator-supplied activity class. It is a level signal: the
// label that is active right now, not an event.
type Label uint8

const (
	Nothing Label = iota
	LeftBlink
	RightBlink
	BothBlink
	EyebrowRaise
)

var labelNames = [...]string{
	Nothing:      "nothing",
	LeftBlink:    "left_blink",
	RightBlink:   "right_blink",
	BothBlink:    "both_blink",
	EyebrowRaise: "eyebrow_raise",
}

// Labels lists every label in declaration order.
func Labels() []Label {
	return []Label{Nothing, LeftBlink, RightBlink, BothBlink, EyebrowRaise}
}

func (l Label) String() string {
	if int(l) < len(labelNames) {
		return labelNames[l]
	}
	return fmt.Sprintf("label(%d)", uint8(l))
}

// ParseLabel is the inverse of Label.String.
func ParseLabel(s string) (Label, error) {
	for i, n := range labelNames {
		if n == s {
			return Label(i), nil
		}
	}
	return 0, fmt.Errorf("unknown label %q", s)
}

// Sample is one multi-channel reading. Time is seconds since session start.
type Sample struct {
	Time     float64
	Channels []float64
}

// LabelEvent is a periodic snapshot of the active label.
type LabelEvent struct {
	Time  float64
	Label Label
}

// MergedRecord pairs a sample with the label nearest to it in time.
type MergedRecord struct {
	Time     float64
	Channels []float64
	Label    Label
}

// Epoch is a fixed-duration window whose records all share one label.
type Epoch struct {
	Index   int
	Start   float64
	End     float64
	Records []MergedRecord
	Label   Label
}

// Len is the number of samples in the epoch.
func (e Epoch) Len() int { return len(e.Records) }

// Matrix returns the epoch as time x channel rows for the given channel
// indices. A nil selection returns every channel.
func (e Epoch) Matrix(channels []int) [][]float64 {
	out := make([][]float64, len(e.Records))
	for i, r := range e.Records {
		out[i] = Select(r.Channels, channels)
	}
	return out
}

// Select copies the chosen channel values; nil keeps all of them.
func Select(values []float64, channels []int) []float64 {
	if channels == nil {
		return append([]float64(nil), values...)
	}
	out := make([]float64, len(channels))
	for i, c := range channels {
		if c >= 0 && c < len(values) {
			out[i] = values[c]
		}
	}
	return out
}

// FeatureVector is the classifier input derived from one epoch. Raw matrices
// are stored row-major (time x channel) with Rows/Cols set; statistical
// vectors have Rows == 1.
type FeatureVector struct {
	Values []float64
	Rows   int
	Cols   int
}

// Prediction is one classifier decision for one epoch.
type Prediction struct {
	Epoch         int                `json:"epoch"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	At            time.Time          `json:"at"`
	Latency       time.Duration      `json:"latency_ns"`
}
