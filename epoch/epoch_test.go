package epoch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

func stream(rate float64, n int, label func(i int) eeg.Label) []eeg.MergedRecord {
	out := make([]eeg.MergedRecord, n)
	for i := range out {
		out[i] = eeg.MergedRecord{Time: 100 + float64(i)/rate, Channels: []float64{float64(i)}, Label: label(i)}
	}
	return out
}

func constant(l eeg.Label) func(int) eeg.Label { return func(int) eeg.Label { return l } }

func TestEpochizeEightySamples(t *testing.T) {
	recs := stream(20, 80, constant(eeg.Nothing))
	res, err := Epochize(recs, 2.0)
	require.NoError(t, err)
	require.Len(t, res.Epochs, 2)
	assert.Empty(t, res.Discarded)
	for i, e := range res.Epochs {
		assert.Equal(t, i, e.Index)
		assert.Equal(t, 40, e.Len())
		assert.Equal(t, eeg.Nothing, e.Label)
	}
	assert.Equal(t, 100.0, res.Epochs[0].Start)
	assert.Equal(t, 104.0, res.Epochs[1].End)
	assert.Empty(t, res.Summary())
}

func TestEpochizeIsDisjointCover(t *testing.T) {
	recs := stream(37, 500, func(i int) eeg.Label { return eeg.Label(i / 120 % 3) })
	const length = 1.3
	res, err := Epochize(recs, length)
	require.NoError(t, err)

	seen := 0
	for _, e := range res.Epochs {
		for _, r := range e.Records {
			assert.Equal(t, e.Index, int(math.Floor((r.Time-100)/length)))
		}
		seen += e.Len()
	}
	for _, d := range res.Discarded {
		seen += d.Samples
	}
	assert.Equal(t, len(recs), seen, "every record lands in exactly one candidate")
}

func TestEpochizeDiscardsMixedLabels(t *testing.T) {
	recs := stream(10, 40, func(i int) eeg.Label {
		switch {
		case i < 10:
			return eeg.LeftBlink
		case i < 20:
			return eeg.RightBlink
		}
		return eeg.Nothing
	})
	// epoch 0 holds records 0..19, a left/right mix
	res, err := Epochize(recs, 2.0)
	require.NoError(t, err)
	require.Len(t, res.Epochs, 1)
	assert.Equal(t, eeg.Nothing, res.Epochs[0].Label)

	require.Len(t, res.Discarded, 1)
	d := res.Discarded[0]
	assert.ErrorIs(t, d, eeg.ErrInconsistentEpochLabel)
	assert.Equal(t, []eeg.Label{eeg.LeftBlink, eeg.RightBlink}, d.Labels)
	assert.Equal(t, 0, d.Index)
	assert.Equal(t, 1, res.Summary()[eeg.ErrInconsistentEpochLabel.Error()])
}

func TestEpochizeErrors(t *testing.T) {
	_, err := Epochize(nil, 2)
	assert.ErrorIs(t, err, eeg.ErrNoSampleData)
	_, err = Epochize(stream(1, 3, constant(eeg.Nothing)), 0)
	assert.Error(t, err)
}

func epochOf(index, n int) eeg.Epoch {
	return eeg.Epoch{Index: index, Records: make([]eeg.MergedRecord, n)}
}

func TestTruncateToMinUsesGlobalMinimum(t *testing.T) {
	in := []eeg.Epoch{epochOf(0, 40), epochOf(1, 38), epochOf(2, 41), epochOf(3, 3)}
	kept, n, dropped := TruncateToMin(in, 10)

	assert.Equal(t, 38, n)
	require.Len(t, kept, 3)
	for _, e := range kept {
		assert.Equal(t, 38, e.Len())
	}
	require.Len(t, dropped, 1)
	assert.ErrorIs(t, dropped[0], eeg.ErrInsufficientSamples)
	assert.Equal(t, 3, dropped[0].Index)
	assert.Equal(t, 3, dropped[0].Samples)
}

func TestTruncateToMinNothingSurvives(t *testing.T) {
	kept, n, dropped := TruncateToMin([]eeg.Epoch{epochOf(0, 2)}, 5)
	assert.Nil(t, kept)
	assert.Zero(t, n)
	assert.Len(t, dropped, 1)
}

func TestDropShortKeepsFullLengths(t *testing.T) {
	in := []eeg.Epoch{epochOf(0, 40), epochOf(1, 38), epochOf(2, 1)}
	kept, shortest, dropped := DropShort(in, 20)
	assert.Equal(t, 38, shortest)
	require.Len(t, kept, 2)
	assert.Equal(t, 40, kept[0].Len())
	assert.Equal(t, 38, kept[1].Len())
	require.Len(t, dropped, 1)
	assert.Equal(t, 2, dropped[0].Index)
}

func TestMinSamples(t *testing.T) {
	assert.Equal(t, 20, MinSamples(2, 20, 0.5, 1))
	assert.Equal(t, 5, MinSamples(2, 20, 0, 5))
	assert.Equal(t, 1, MinSamples(2, 0, 0.5, 1), "unknown rate falls back to the floor")
}

func TestFitLength(t *testing.T) {
	m := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	padded := FitLength(m, 5)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}, {5, 6}, {0, 0}, {0, 0}}, padded)

	assert.Equal(t, [][]float64{{1, 2}}, FitLength(m, 1))
	assert.Equal(t, m, FitLength(m, 0), "n <= 0 keeps the input")
	assert.Equal(t, [][]float64{{}, {}}, FitLength(nil, 2))
}
