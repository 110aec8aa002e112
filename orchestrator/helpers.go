package orchestrator

import (
	"sort"

	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/features"
	"github.com/maastricht-university/eeg-pipeline/recording"
)

// transpose turns the device's channels x samples block into time x channel
// rows. Ragged input is cut to the shortest channel.
func transpose(m [][]float64) [][]float64 {
	if len(m) == 0 {
		return nil
	}
	n := len(m[0])
	for _, ch := range m[1:] {
		n = min(n, len(ch))
	}
	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, len(m))
		for c := range m {
			row[c] = m[c][i]
		}
		out[i] = row
	}
	return out
}

// latest keeps the last n rows of a time x channel matrix.
func latest(rows [][]float64, n int) [][]float64 {
	if n <= 0 || len(rows) <= n {
		return rows
	}
	return rows[len(rows)-n:]
}

// epochRows extracts features for every retained epoch. An epoch whose
// extraction fails is reported rather than aborting the batch.
func epochRows(epochs []eeg.Epoch, ext features.Extractor) ([]recording.EpochRow, []*eeg.EpochError) {
	rows := make([]recording.EpochRow, 0, len(epochs))
	var bad []*eeg.EpochError
	for _, e := range epochs {
		fv, err := ext.Extract(e.Matrix(nil))
		if err != nil {
			bad = append(bad, &eeg.EpochError{Index: e.Index, Err: err, Samples: e.Len()})
			continue
		}
		rows = append(rows, recording.EpochRow{
			Index:    e.Index,
			Start:    e.Start,
			End:      e.End,
			Label:    e.Label.String(),
			Samples:  e.Len(),
			Features: fv.Values,
		})
	}
	return rows, bad
}

func dropped(errs []*eeg.EpochError) []DroppedEpoch {
	out := make([]DroppedEpoch, 0, len(errs))
	for _, e := range errs {
		d := DroppedEpoch{Epoch: e.Index, Reason: e.Err.Error(), Samples: e.Samples}
		for _, l := range e.Labels {
			d.Labels = append(d.Labels, l.String())
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

func labelCounts(recs []eeg.MergedRecord) map[string]int {
	out := map[string]int{}
	for _, r := range recs {
		out[r.Label.String()]++
	}
	return out
}

func classCounts(rows []recording.EpochRow) map[string]int {
	out := map[string]int{}
	for _, r := range rows {
		out[r.Label]++
	}
	return out
}
