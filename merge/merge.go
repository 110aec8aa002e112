// Package merge aligns the sample stream with the label stream.
package merge

import (
	"math"
	"sort"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// Merge pairs every sample with the label event nearest to it in time. On an
// exact tie the earlier event wins.
//
// Both streams are expected in time order, so a single forward pointer over
// the labels suffices. A sample that jumps backwards (clock jitter) re-seeks
// the pointer by binary search instead of breaking the merge. Labels that
// are not sorted are sorted (stably) first.
func Merge(labels []eeg.LabelEvent, samples []eeg.Sample) ([]eeg.MergedRecord, error) {
	if len(labels) == 0 {
		return nil, eeg.ErrNoLabelData
	}
	if len(samples) == 0 {
		return nil, eeg.ErrNoSampleData
	}
	if !sort.SliceIsSorted(labels, func(i, j int) bool { return labels[i].Time < labels[j].Time }) {
		labels = append([]eeg.LabelEvent(nil), labels...)
		sort.SliceStable(labels, func(i, j int) bool { return labels[i].Time < labels[j].Time })
	}

	out := make([]eeg.MergedRecord, len(samples))
	j := 0
	prev := math.Inf(-1)
	for i, s := range samples {
		if s.Time < prev {
			j = seek(labels, s.Time)
		}
		prev = s.Time
		// move to the next distinct timestamp only while it is strictly closer
		for {
			k := j + 1
			for k < len(labels) && labels[k].Time == labels[j].Time {
				k++
			}
			if k == len(labels) || math.Abs(labels[k].Time-s.Time) >= math.Abs(labels[j].Time-s.Time) {
				break
			}
			j = k
		}
		out[i] = eeg.MergedRecord{Time: s.Time, Channels: s.Channels, Label: labels[j].Label}
	}
	return out, nil
}

// seek returns the index of the first of the latest events at or before t
// (or 0).
func seek(labels []eeg.LabelEvent, t float64) int {
	k := sort.Search(len(labels), func(i int) bool { return labels[i].Time > t })
	if k == 0 {
		return 0
	}
	k--
	for k > 0 && labels[k-1].Time == labels[k].Time {
		k--
	}
	return k
}
