package orchestrator

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/eeg-pipeline/acquisition"
	"github.com/maastricht-university/eeg-pipeline/classify"
	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/recording"
	"github.com/maastricht-university/eeg-pipeline/store"
)

// waveSource returns n columns of a 10 Hz sine on every Fetch.
type waveSource struct {
	rate     float64
	channels int
	fetches  atomic.Int64
}

func (s *waveSource) Start(context.Context) error { return nil }
func (s *waveSource) Fetch(n int) ([][]float64, error) {
	k := s.fetches.Add(1)
	out := make([][]float64, s.channels)
	for c := range out {
		row := make([]float64, n)
		for i := range row {
			t := float64(int(k)*n+i) / s.rate
			row[i] = float64(c+1) * math.Sin(2*math.Pi*10*t)
		}
		out[c] = row
	}
	return out, nil
}
func (s *waveSource) SamplingRate() float64 { return s.rate }
func (s *waveSource) Channels() int         { return s.channels }
func (s *waveSource) Stop() error           { return nil }
func (s *waveSource) Close() error          { return nil }

func testConfig(t *testing.T) *cfg.Root {
	t.Helper()
	c := cfg.Default()
	dir := t.TempDir()
	c.Paths.Data = filepath.Join(dir, "data")
	c.Paths.Outputs = filepath.Join(dir, "outputs")
	c.Paths.Models = filepath.Join(dir, "models")
	return c
}

func quiet() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// labelled is 80 records at 20 Hz: 2 s of nothing, then 2 s of left blinks.
func labelled() []eeg.MergedRecord {
	out := make([]eeg.MergedRecord, 80)
	for i := range out {
		l := eeg.Nothing
		if i >= 40 {
			l = eeg.LeftBlink
		}
		out[i] = eeg.MergedRecord{
			Time:     float64(i) / 20,
			Channels: []float64{float64(i), float64(i % 7), float64(2 * i), float64(l)},
			Label:    l,
		}
	}
	return out
}

func writeFiltered(t *testing.T, recs []eeg.MergedRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filtered.csv")
	require.NoError(t, recording.WriteFile(path, func(w io.Writer) error {
		return recording.WriteFiltered(w, recs, recs)
	}))
	return path
}

func TestPrepareEndToEnd(t *testing.T) {
	c := testConfig(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "eeg.db"))
	require.NoError(t, err)
	defer db.Close()

	model := filepath.Join(c.Paths.Models, "centroid.yaml")
	p := NewPipeline(c, quiet()).WithStore(db)
	sum, err := p.Prepare(context.Background(), writeFiltered(t, labelled()), PrepareOptions{FitModel: model})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Retained)
	assert.Equal(t, 0, sum.Discarded)
	assert.Equal(t, 40, sum.Shortest)
	assert.Equal(t, 20, sum.MinSamples, "half of 2 s at 20 Hz")
	assert.Zero(t, sum.CommonLength, "statistical epochs keep their own length")
	assert.Equal(t, map[string]int{"nothing": 1, "left_blink": 1}, sum.ClassCounts)
	assert.FileExists(t, sum.TablePath)
	assert.FileExists(t, filepath.Join(sum.Dir, "summary.json"))

	rows, err := db.Epochs(sum.SessionID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "left_blink", rows[1].Label)
	assert.Len(t, rows[0].Features, 4, "mean and std of two channels")

	m, err := classify.LoadModel(model)
	require.NoError(t, err)
	assert.Equal(t, []string{"nothing", "left_blink"}, m.Classes)
	assert.Equal(t, "statistical", m.FeatureKind)
}

func TestPrepareTrailingSampleDoesNotShrinkEpochs(t *testing.T) {
	recs := append(labelled(), eeg.MergedRecord{
		Time: 4.0, Channels: []float64{80, 3, 160, float64(eeg.LeftBlink)}, Label: eeg.LeftBlink,
	})
	c := testConfig(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "eeg.db"))
	require.NoError(t, err)
	defer db.Close()

	sum, err := NewPipeline(c, quiet()).WithStore(db).Prepare(context.Background(), writeFiltered(t, recs), PrepareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Retained)
	assert.Equal(t, 1, sum.Discarded)
	assert.Equal(t, 40, sum.Shortest)
	assert.Equal(t, map[string]int{eeg.ErrInsufficientSamples.Error(): 1}, sum.Reasons)
	require.Len(t, sum.Dropped, 1)
	assert.Equal(t, 2, sum.Dropped[0].Epoch)
	assert.Equal(t, 1, sum.Dropped[0].Samples)

	rows, err := db.Epochs(sum.SessionID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 40, r.Samples)
		assert.Positive(t, r.Features[1], "std over the full epoch")
	}

	// without the rate floor the lone sample survives but still cannot
	// shorten the other epochs
	c.Epoch.MinFraction = 0
	sum, err = NewPipeline(c, quiet()).Prepare(context.Background(), writeFiltered(t, recs), PrepareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Retained)
	assert.Equal(t, 1, sum.Shortest)
	assert.Zero(t, sum.CommonLength)
}

func TestPrepareRawTruncatesToCommonLength(t *testing.T) {
	recs := labelled()[:75]
	c := testConfig(t)
	c.Features.Kind = "raw"
	c.Features.Channels = []int{0}

	model := filepath.Join(c.Paths.Models, "raw.yaml")
	sum, err := NewPipeline(c, quiet()).Prepare(context.Background(), writeFiltered(t, recs), PrepareOptions{FitModel: model})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Retained)
	assert.Equal(t, 35, sum.CommonLength)

	m, err := classify.LoadModel(model)
	require.NoError(t, err)
	assert.Equal(t, 35, m.InputSamples)
}

func TestPrepareReportsDroppedEpochs(t *testing.T) {
	recs := labelled()
	recs[38].Label = eeg.BothBlink
	c := testConfig(t)

	sum, err := NewPipeline(c, quiet()).Prepare(context.Background(), writeFiltered(t, recs), PrepareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retained)
	assert.Equal(t, 1, sum.Discarded)
	require.Len(t, sum.Dropped, 1)
	assert.Equal(t, 0, sum.Dropped[0].Epoch)
	assert.Contains(t, sum.Dropped[0].Reason, eeg.ErrInconsistentEpochLabel.Error())
	assert.Equal(t, []string{"nothing", "both_blink"}, sum.Dropped[0].Labels)
}

func TestPrepareNoUsableEpochs(t *testing.T) {
	recs := labelled()[:3]
	recs[1].Label = eeg.BothBlink
	_, err := NewPipeline(testConfig(t), quiet()).Prepare(context.Background(), writeFiltered(t, recs), PrepareOptions{})
	assert.ErrorIs(t, err, eeg.ErrInsufficientSamples)
}

func TestFilterWritesFilteredForm(t *testing.T) {
	c := testConfig(t)
	recs := make([]eeg.MergedRecord, 400)
	for i := range recs {
		ts := float64(i) / 200
		recs[i] = eeg.MergedRecord{
			Time:     ts,
			Channels: []float64{math.Sin(2*math.Pi*10*ts) + 5*math.Sin(2*math.Pi*60*ts)},
			Label:    eeg.Nothing,
		}
	}
	in := filepath.Join(t.TempDir(), "merged.csv")
	require.NoError(t, recording.WriteFile(in, func(w io.Writer) error { return recording.WriteMerged(w, recs) }))
	out := filepath.Join(t.TempDir(), "filtered.csv")

	log, hook := test.NewNullLogger()
	sum, err := NewPipeline(c, log).Filter(in, out)
	require.NoError(t, err)
	assert.Equal(t, 400, sum.Records)
	require.Len(t, sum.LineNoise, 1)
	assert.Greater(t, sum.LineNoise[0], lineNoiseLimit)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Message == "strong line noise with notch disabled" {
			warned = true
		}
	}
	assert.True(t, warned)

	got, err := recording.ReadFile(out, recording.ReadFiltered)
	require.NoError(t, err)
	require.Len(t, got, 400)
	assert.Equal(t, recs[10].Time, got[10].Time)
	assert.Equal(t, eeg.Nothing, got[10].Label)
}

func TestFilterMissingInput(t *testing.T) {
	_, err := NewPipeline(testConfig(t), quiet()).Filter(filepath.Join(t.TempDir(), "nope.csv"), "out.csv")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecordWritesSession(t *testing.T) {
	c := testConfig(t)
	c.Session.LabelInterval = 0.01
	c.Session.SampleInterval = 0.005
	src := &waveSource{rate: 200, channels: 4}
	cell := acquisition.NewLabelCell(eeg.Nothing)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cell.Set(eeg.EyebrowRaise)
	}()
	sum, err := NewPipeline(c, quiet()).Record(ctx, src, cell)
	require.NoError(t, err)

	assert.NotEmpty(t, sum.SessionID)
	assert.Equal(t, uint64(1), sum.LabelSets)
	assert.Positive(t, sum.Samples)
	assert.Positive(t, sum.Labels)
	assert.FileExists(t, filepath.Join(sum.Dir, "summary.json"))

	merged, err := recording.ReadFile(sum.MergedPath, recording.ReadMerged)
	require.NoError(t, err)
	assert.Len(t, merged, sum.Samples)
	events, err := recording.ReadFile(sum.LabelsPath, recording.ReadLabels)
	require.NoError(t, err)
	assert.Len(t, events, sum.Labels)
	assert.Equal(t, eeg.EyebrowRaise, events[len(events)-1].Label)
}

func TestRecordWithoutSamples(t *testing.T) {
	c := testConfig(t)
	c.Session.LabelInterval = 0.01
	c.Session.SampleInterval = 0.005
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, err := NewPipeline(c, quiet()).Record(ctx, &waveSource{rate: 200}, acquisition.NewLabelCell(eeg.Nothing))
	assert.ErrorIs(t, err, eeg.ErrNoSampleData)
}

// stallingClassifier hangs on its first call and answers at once after.
type stallingClassifier struct {
	stall  time.Duration
	late   uint64
	calls  atomic.Int64
	closed atomic.Bool
}

func (s *stallingClassifier) Late() uint64 { return s.late }

var _ lateCounter = (*classify.Process)(nil)

func (s *stallingClassifier) Predict(context.Context, eeg.FeatureVector) (eeg.Prediction, error) {
	if s.calls.Add(1) == 1 {
		time.Sleep(s.stall)
	}
	return eeg.Prediction{Label: "both_blink", Confidence: 0.9}, nil
}

func (s *stallingClassifier) Close() error {
	s.closed.Store(true)
	return nil
}

type memorySink struct {
	mu     sync.Mutex
	got    []eeg.Prediction
	closed bool
}

func (m *memorySink) Publish(_ context.Context, p eeg.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, p)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestLiveTimeoutThenResume(t *testing.T) {
	c := testConfig(t)
	c.Live.EpochLength = 0.05
	c.Live.Deadline = 0.03
	clf := &stallingClassifier{stall: 150 * time.Millisecond, late: 1}
	sink := &memorySink{}

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	sum, err := NewPipeline(c, quiet()).Live(ctx, &waveSource{rate: 200, channels: 4}, clf, sink)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, sum.Timeouts, 1, "the stalled epoch is missed")
	assert.GreaterOrEqual(t, sum.Predicted, 1, "the loop resumes after the stall")
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, uint64(1), sum.Late)
	assert.True(t, clf.closed.Load())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.closed)
	require.Len(t, sink.got, sum.Predicted)
	assert.Equal(t, sum.Predicted, sum.LabelCounts["both_blink"])
	for i := 1; i < len(sink.got); i++ {
		assert.Greater(t, sink.got[i].Epoch, sink.got[i-1].Epoch)
	}
}

func TestLiveStoresPredictions(t *testing.T) {
	c := testConfig(t)
	c.Live.EpochLength = 0.03
	db, err := store.Open(filepath.Join(t.TempDir(), "eeg.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	sum, err := NewPipeline(c, quiet()).WithStore(db).Live(ctx, &waveSource{rate: 200, channels: 4}, &stallingClassifier{}, &memorySink{})
	require.NoError(t, err)
	require.Positive(t, sum.Predicted)

	rep, err := NewPipeline(c, quiet()).WithStore(db).Inspect(sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sum.LabelCounts, rep.Predictions)
	assert.Equal(t, "live", rep.Session.Kind)
	assert.Equal(t, sum.Predicted, rep.Session.Retained)
}

func TestLiveSkipsEmptyBuffer(t *testing.T) {
	c := testConfig(t)
	c.Live.EpochLength = 0.02
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sum, err := NewPipeline(c, quiet()).Live(ctx, &waveSource{rate: 200}, &stallingClassifier{}, &memorySink{})
	require.NoError(t, err)
	assert.Positive(t, sum.Skipped)
	assert.Equal(t, sum.Epochs, sum.Skipped)
	assert.Zero(t, sum.Predicted)
}

func TestLiveRawFitsModelLength(t *testing.T) {
	c := testConfig(t)
	c.Live.EpochLength = 0.05
	c.Features.Kind = "raw"
	c.Features.Channels = []int{0}
	c.Live.InputSamples = 25

	var sizes []int
	var mu sync.Mutex
	clf := classifierFunc(func(fv eeg.FeatureVector) {
		mu.Lock()
		sizes = append(sizes, fv.Rows)
		mu.Unlock()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	sum, err := NewPipeline(c, quiet()).Live(ctx, &waveSource{rate: 200, channels: 1}, clf, &memorySink{})
	require.NoError(t, err)
	assert.Positive(t, sum.Padded, "10-sample epochs are padded to 25")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, sizes)
	for _, n := range sizes {
		assert.Equal(t, 25, n)
	}
}

func TestLiveNormalizesBeforePadding(t *testing.T) {
	c := testConfig(t)
	c.Live.EpochLength = 0.05
	c.Live.Normalization = "epoch"
	c.Features.Kind = "raw"
	c.Features.Channels = []int{0, 1}
	c.Live.InputSamples = 25

	var seen []eeg.FeatureVector
	var mu sync.Mutex
	clf := classifierFunc(func(fv eeg.FeatureVector) {
		mu.Lock()
		seen = append(seen, fv)
		mu.Unlock()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := NewPipeline(c, quiet()).Live(ctx, &waveSource{rate: 200, channels: 2}, clf, &memorySink{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, fv := range seen {
		require.Equal(t, 25, fv.Rows)
		require.Equal(t, 2, fv.Cols)
		for ch := 0; ch < fv.Cols; ch++ {
			var sum, sq float64
			for r := 0; r < 10; r++ {
				v := fv.Values[r*fv.Cols+ch]
				sum += v
				sq += v * v
			}
			assert.InDelta(t, 0, sum/10, 1e-9, "channel %d mean over the real rows", ch)
			assert.InDelta(t, 1, sq/10, 1e-9, "channel %d variance over the real rows", ch)
			for r := 10; r < 25; r++ {
				assert.Zero(t, fv.Values[r*fv.Cols+ch], "row %d channel %d is padding", r, ch)
			}
		}
	}
}

type classifierFunc func(eeg.FeatureVector)

func (f classifierFunc) Predict(_ context.Context, fv eeg.FeatureVector) (eeg.Prediction, error) {
	f(fv)
	return eeg.Prediction{Label: "nothing"}, nil
}

func (classifierFunc) Close() error { return nil }

func TestTransposeAndLatest(t *testing.T) {
	m := [][]float64{{1, 2, 3}, {4, 5}}
	rows := transpose(m)
	assert.Equal(t, [][]float64{{1, 4}, {2, 5}}, rows)
	assert.Equal(t, [][]float64{{2, 5}}, latest(rows, 1))
	assert.Equal(t, rows, latest(rows, 5))
	assert.Nil(t, transpose(nil))
}

func TestEstimateRate(t *testing.T) {
	recs := labelled()
	assert.InDelta(t, 20, estimateRate(recs), 1e-9)
	assert.Zero(t, estimateRate(recs[:2]))
}
