package eeg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNoLabelData            = errors.New("no label data")
	ErrNoSampleData           = errors.New("no sample data")
	ErrInconsistentEpochLabel = errors.New("inconsistent epoch label")
	ErrInsufficientSamples    = errors.New("insufficient samples")
	ErrSourceUnavailable      = errors.New("sample source unavailable")
	ErrPredictionTimeout      = errors.New("prediction timeout")
	ErrSessionTeardown        = errors.New("session teardown failure")
	ErrDeviceBusy             = errors.New("device already open")
)

// EpochError reports why one epoch was not used. It is a per-unit report and
// never aborts a run.
type EpochError struct {
	Index   int
	Err     error
	Labels  []Label
	Samples int
}

func (e *EpochError) Error() string {
	switch {
	case len(e.Labels) > 0:
		names := make([]string, len(e.Labels))
		for i, l := range e.Labels {
			names[i] = l.String()
		}
		return fmt.Sprintf("epoch %d: %v [%s]", e.Index, e.Err, strings.Join(names, " "))
	case e.Samples > 0:
		return fmt.Sprintf("epoch %d: %v (%d samples)", e.Index, e.Err, e.Samples)
	default:
		return fmt.Sprintf("epoch %d: %v", e.Index, e.Err)
	}
}

func (e *EpochError) Unwrap() error { return e.Err }

// LabelSet returns the distinct labels in ascending order.
func LabelSet(records []MergedRecord) []Label {
	seen := map[Label]struct{}{}
	for _, r := range records {
		seen[r.Label] = struct{}{}
	}
	out := make([]Label, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
