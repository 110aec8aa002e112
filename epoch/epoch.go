// Package epoch cuts a merged record stream into fixed-length, single-label
// windows.
package epoch

import (
	"errors"
	"math"
	"sort"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// Result is the outcome of one epoching run. Discarded epochs are reported,
// never fatal.
type Result struct {
	Epochs    []eeg.Epoch
	Discarded []*eeg.EpochError
}

// Summary counts discarded epochs by reason.
func (r Result) Summary() map[string]int {
	out := map[string]int{}
	for _, d := range r.Discarded {
		out[d.Err.Error()]++
	}
	return out
}

// Epochize rebases time so the earliest record is at zero and assigns every
// record the index floor(t/length). Each index forms one candidate; a
// candidate whose records carry more than one label is discarded with the
// set of labels it saw.
func Epochize(records []eeg.MergedRecord, length float64) (Result, error) {
	if length <= 0 || math.IsNaN(length) {
		return Result{}, errors.New("epoch: length must be positive")
	}
	if len(records) == 0 {
		return Result{}, eeg.ErrNoSampleData
	}
	t0 := records[0].Time
	for _, r := range records[1:] {
		t0 = math.Min(t0, r.Time)
	}

	groups := map[int][]eeg.MergedRecord{}
	for _, r := range records {
		i := int(math.Floor((r.Time - t0) / length))
		groups[i] = append(groups[i], r)
	}
	idx := make([]int, 0, len(groups))
	for i := range groups {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var res Result
	for _, i := range idx {
		recs := groups[i]
		labels := eeg.LabelSet(recs)
		if len(labels) != 1 {
			res.Discarded = append(res.Discarded, &eeg.EpochError{
				Index: i, Err: eeg.ErrInconsistentEpochLabel, Labels: labels, Samples: len(recs),
			})
			continue
		}
		start := t0 + float64(i)*length
		res.Epochs = append(res.Epochs, eeg.Epoch{
			Index: i, Start: start, End: start + length, Records: recs, Label: labels[0],
		})
	}
	return res, nil
}

// DropShort removes epochs with fewer than minSamples records (and empty
// ones) and returns the survivors with the shortest surviving length.
func DropShort(epochs []eeg.Epoch, minSamples int) ([]eeg.Epoch, int, []*eeg.EpochError) {
	var dropped []*eeg.EpochError
	kept := make([]eeg.Epoch, 0, len(epochs))
	shortest := math.MaxInt
	for _, e := range epochs {
		if e.Len() == 0 || e.Len() < minSamples {
			dropped = append(dropped, &eeg.EpochError{Index: e.Index, Err: eeg.ErrInsufficientSamples, Samples: e.Len()})
			continue
		}
		kept = append(kept, e)
		shortest = min(shortest, e.Len())
	}
	if len(kept) == 0 {
		return nil, 0, dropped
	}
	return kept, shortest, dropped
}

// TruncateToMin makes every epoch the same length for consumers that need a
// fixed input shape: DropShort, then every survivor is cut to the shortest.
// It returns the common length (0 if nothing survived).
func TruncateToMin(epochs []eeg.Epoch, minSamples int) ([]eeg.Epoch, int, []*eeg.EpochError) {
	kept, shortest, dropped := DropShort(epochs, minSamples)
	for i := range kept {
		kept[i].Records = kept[i].Records[:shortest:shortest]
	}
	return kept, shortest, dropped
}

// MinSamples is the per-epoch floor for a recording sampled at rate: the
// larger of floor and fraction of the nominal length*rate samples.
func MinSamples(length, rate, fraction float64, floor int) int {
	// the rate is estimated, so shave float noise before rounding up
	n := int(math.Ceil(fraction*length*rate - 1e-6))
	return max(n, floor)
}

// FitLength zero-pads or truncates a time x channel matrix to n rows. The
// live path uses it where the offline path would drop the epoch. Missing
// rows get the width of the first row.
func FitLength(m [][]float64, n int) [][]float64 {
	if n <= 0 {
		return m
	}
	width := 0
	if len(m) > 0 {
		width = len(m[0])
	}
	out := make([][]float64, n)
	for i := range out {
		if i < len(m) {
			out[i] = m[i]
		} else {
			out[i] = make([]float64, width)
		}
	}
	return out
}
