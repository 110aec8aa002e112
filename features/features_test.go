package features

import (
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// four channels, channel k holds k*10 + t
func matrix(rows int) [][]float64 {
	m := make([][]float64, rows)
	for t := range m {
		m[t] = []float64{float64(t), 10 + float64(t), 20 + float64(t), 30 + 2*float64(t)}
	}
	return m
}

func TestStatistical(t *testing.T) {
	fv, err := Statistical{Channels: []int{1, 3}}.Extract(matrix(4))
	require.NoError(t, err)
	assert.Equal(t, 1, fv.Rows)
	assert.Equal(t, 4, fv.Cols)
	require.Len(t, fv.Values, 4)

	// channel 1: 10..13, channel 3: 30,32,34,36 (sample std)
	assert.InDelta(t, 11.5, fv.Values[0], 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3), fv.Values[1], 1e-12)
	assert.InDelta(t, 33, fv.Values[2], 1e-12)
	assert.InDelta(t, 2*math.Sqrt(5.0/3), fv.Values[3], 1e-12)
}

func TestStatisticalSingleSample(t *testing.T) {
	fv, err := Statistical{Channels: []int{0}}.Extract(matrix(1))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, fv.Values)
}

func TestRawLayoutAndNone(t *testing.T) {
	m := matrix(3)
	fv, err := Raw{Channels: []int{0, 2}, Normalization: NormalizeNone}.Extract(m)
	require.NoError(t, err)
	assert.Equal(t, 3, fv.Rows)
	assert.Equal(t, 2, fv.Cols)
	assert.Equal(t, []float64{0, 20, 1, 21, 2, 22}, fv.Values)
	assert.Equal(t, 20.0, m[0][2], "input is not modified")
}

func TestRawEpochNormalization(t *testing.T) {
	m := matrix(5)
	m[0][1] = 15 // make channel 1 non-linear
	fv, err := Raw{Normalization: NormalizeEpoch}.Extract(m)
	require.NoError(t, err)
	require.Equal(t, 4, fv.Cols)

	for c := 0; c < fv.Cols; c++ {
		var sum, sq float64
		for r := 0; r < fv.Rows; r++ {
			v := fv.Values[r*fv.Cols+c]
			sum += v
			sq += v * v
		}
		assert.InDelta(t, 0, sum/float64(fv.Rows), 1e-12, "channel %d mean", c)
		assert.InDelta(t, 1, sq/float64(fv.Rows), 1e-12, "channel %d population variance", c)
	}
}

func TestRawFlatChannel(t *testing.T) {
	m := [][]float64{{5}, {5}, {5}}
	fv, err := Raw{Normalization: NormalizeEpoch}.Extract(m)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, fv.Values)
}

func TestNormalizeRows(t *testing.T) {
	m := matrix(6)
	got := NormalizeRows(m)
	require.Len(t, got, 6)
	assert.Equal(t, 30.0, m[0][3], "input is not modified")

	want, err := Raw{Normalization: NormalizeEpoch}.Extract(m)
	require.NoError(t, err)
	flat, err := Raw{Normalization: NormalizeNone}.Extract(got)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Values, flat.Values, 1e-12)
	assert.Empty(t, NormalizeRows(nil))
}

func TestExtractErrors(t *testing.T) {
	_, err := Statistical{}.Extract(nil)
	assert.ErrorIs(t, err, eeg.ErrInsufficientSamples)
	_, err = Raw{Channels: []int{7}}.Extract(matrix(2))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	e, err := New(cfg.Features{Kind: "statistical", Channels: []int{1}}, NormalizeEpoch)
	require.NoError(t, err)
	assert.Equal(t, "statistical", e.Kind())

	e, err = New(cfg.Features{Kind: "raw"}, NormalizeEpoch)
	require.NoError(t, err)
	assert.Equal(t, Raw{Normalization: NormalizeEpoch}, e)

	_, err = New(cfg.Features{Kind: "wavelet"}, NormalizeNone)
	assert.Error(t, err)
}

func TestParseNormalization(t *testing.T) {
	n, err := ParseNormalization("epoch")
	require.NoError(t, err)
	assert.Equal(t, NormalizeEpoch, n)
	_, err = ParseNormalization("global")
	assert.Error(t, err)
}

func TestWarnSkew(t *testing.T) {
	log, hook := test.NewNullLogger()
	assert.True(t, WarnSkew(log, "raw", NormalizeNone, NormalizeEpoch))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	hook.Reset()
	assert.False(t, WarnSkew(log, "raw", NormalizeEpoch, NormalizeEpoch))
	assert.False(t, WarnSkew(log, "statistical", NormalizeNone, NormalizeEpoch))
	assert.Empty(t, hook.Entries)
}
