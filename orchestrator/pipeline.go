// Package orchestrator wires the stages into the four session kinds: record,
// filter, prepare (epochs and features) and live classification.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/maastricht-university/eeg-pipeline/acquisition"
	"github.com/maastricht-university/eeg-pipeline/classify"
	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/device"
	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/epoch"
	"github.com/maastricht-university/eeg-pipeline/features"
	"github.com/maastricht-university/eeg-pipeline/filter"
	"github.com/maastricht-university/eeg-pipeline/merge"
	"github.com/maastricht-university/eeg-pipeline/publish"
	"github.com/maastricht-university/eeg-pipeline/recording"
	"github.com/maastricht-university/eeg-pipeline/store"
)

// lineNoiseLimit is the share of signal power near the mains frequency above
// which an unfiltered notch is worth a warning.
const lineNoiseLimit = 0.2

type Pipeline struct {
	cfg *cfg.Root
	log logrus.FieldLogger
	db  *store.DB
	now func() time.Time
}

func NewPipeline(c *cfg.Root, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{cfg: c, log: log, now: time.Now}
}

// WithStore makes every session kind also write to db.
func (p *Pipeline) WithStore(db *store.DB) *Pipeline {
	p.db = db
	return p
}

// --- record ---

// Record captures until ctx is cancelled, merges the two streams and writes
// the session directory. The capture is persisted even though ctx is done by
// the time Run returns.
func (p *Pipeline) Record(ctx context.Context, src device.Source, cell *acquisition.LabelCell) (*RecordSummary, error) {
	sc := p.cfg.Session
	sum := &RecordSummary{SessionID: uuid.NewString()}
	log := p.log.WithField("session", sum.SessionID)

	c, err := acquisition.Run(ctx, src, cell, acquisition.Options{
		LabelInterval:  cfg.Seconds(sc.LabelInterval),
		SampleInterval: cfg.Seconds(sc.SampleInterval),
		SourceTimeout:  cfg.Seconds(sc.SourceTimeout),
		Now:            p.now,
		Log:            log,
	})
	if err != nil {
		return nil, err
	}
	sum.StartedAt = c.Start
	sum.Duration = p.now().Sub(c.Start).Seconds()
	sum.Samples = len(c.Samples)
	sum.Labels = len(c.Labels)
	sum.LabelSets = cell.Writes()
	sum.Capture = c.Stats

	merged, err := merge.Merge(c.Labels, c.Samples)
	if err != nil {
		log.WithFields(logrus.Fields{"samples": sum.Samples, "labels": sum.Labels}).WithError(err).Error("nothing to merge")
		return sum, fmt.Errorf("merge session %s: %w", sum.SessionID, err)
	}
	sum.LabelCounts = labelCounts(merged)

	dir, err := mkSessionDir(p.cfg.Paths.Data, "session", c.Start)
	if err != nil {
		return sum, err
	}
	if err := persistRecording(dir, c, merged, sum); err != nil {
		return sum, err
	}
	if p.db != nil {
		if err := p.db.RecordSession(store.Session{
			ID: sum.SessionID, Kind: "record", Source: sum.MergedPath, StartedAt: c.Start,
			Samples: sum.Samples, Labels: sum.Labels, Gaps: c.Stats.Gaps,
		}); err != nil {
			return sum, err
		}
	}

	log.WithFields(logrus.Fields{
		"dir":     dir,
		"samples": sum.Samples,
		"labels":  sum.Labels,
		"gaps":    c.Stats.Gaps,
		"seconds": math.Round(sum.Duration*10) / 10,
	}).Info("session recorded")
	return sum, nil
}

// --- filter ---

// Filter band-passes every channel of a merged record file over the whole
// recording and writes the filtered form next to the raw values.
func (p *Pipeline) Filter(in, out string) (*FilterSummary, error) {
	recs, err := recording.ReadFile(in, recording.ReadMerged)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", in, eeg.ErrNoSampleData)
	}
	f, err := filter.FromConfig(p.cfg.Filter)
	if err != nil {
		return nil, err
	}
	fc := p.cfg.Filter
	log := p.log.WithField("input", in)

	if rate := estimateRate(recs); rate > 0 && math.Abs(rate-fc.SampleRate)/fc.SampleRate > 0.2 {
		log.WithFields(logrus.Fields{"configured": fc.SampleRate, "observed": math.Round(rate*10) / 10}).
			Warn("filter sample rate differs from the recording's sample spacing")
	}

	sum := &FilterSummary{Input: in, Output: out, Records: len(recs), Channels: len(recs[0].Channels)}
	mains := fc.Notch.Freq
	if mains <= 0 {
		mains = 60
	}
	for ch := 0; ch < sum.Channels; ch++ {
		col := make([]float64, len(recs))
		for i, r := range recs {
			col[i] = r.Channels[ch]
		}
		ratio := filter.LineNoiseRatio(col, fc.SampleRate, mains)
		sum.LineNoise = append(sum.LineNoise, ratio)
		if ratio > lineNoiseLimit && !fc.Notch.Enabled {
			log.WithFields(logrus.Fields{"channel": ch + 1, "ratio": ratio, "freq": mains}).
				Warn("strong line noise with notch disabled")
		}
	}

	filtered := f.ApplyRecords(recs)
	if err := recording.WriteFile(out, func(w io.Writer) error {
		return recording.WriteFiltered(w, recs, filtered)
	}); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"output": out, "records": sum.Records}).Info("filtered")
	return sum, nil
}

// estimateRate is the reciprocal of the median sample spacing.
func estimateRate(recs []eeg.MergedRecord) float64 {
	if len(recs) < 3 {
		return 0
	}
	dt := make([]float64, 0, len(recs)-1)
	for i := 1; i < len(recs); i++ {
		if d := recs[i].Time - recs[i-1].Time; d > 0 {
			dt = append(dt, d)
		}
	}
	if len(dt) == 0 {
		return 0
	}
	sort.Float64s(dt)
	return 1 / stat.Quantile(0.5, stat.Empirical, dt, nil)
}

// --- prepare ---

type PrepareOptions struct {
	// FitModel, when set, writes a nearest-centroid model trained on the
	// extracted features to this path.
	FitModel string
}

// Prepare cuts a filtered record file into labelled epochs, equalizes their
// length, extracts features and writes the epoch table. Discarded epochs are
// reported in the summary and never abort the run.
func (p *Pipeline) Prepare(ctx context.Context, in string, o PrepareOptions) (*PrepareSummary, error) {
	recs, err := recording.ReadFile(in, recording.ReadFiltered)
	if err != nil {
		return nil, err
	}
	offline, err := features.ParseNormalization(p.cfg.Epoch.Normalization)
	if err != nil {
		return nil, err
	}
	ext, err := features.New(p.cfg.Features, offline)
	if err != nil {
		return nil, err
	}
	if live, err := features.ParseNormalization(p.cfg.Live.Normalization); err == nil {
		features.WarnSkew(p.log, ext.Kind(), offline, live)
	}

	sum := &PrepareSummary{
		SessionID:   uuid.NewString(),
		Source:      in,
		FeatureKind: ext.Kind(),
		EpochLength: p.cfg.Epoch.Length,
	}
	log := p.log.WithField("session", sum.SessionID)

	res, err := epoch.Epochize(recs, p.cfg.Epoch.Length)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ec := p.cfg.Epoch
	sum.MinSamples = epoch.MinSamples(ec.Length, estimateRate(recs), ec.MinFraction, ec.MinSamples)

	// statistical features summarise each full epoch; only raw needs a shape
	var kept []eeg.Epoch
	var short []*eeg.EpochError
	if ext.Kind() == "raw" {
		kept, sum.Shortest, short = epoch.TruncateToMin(res.Epochs, sum.MinSamples)
		sum.CommonLength = sum.Shortest
	} else {
		kept, sum.Shortest, short = epoch.DropShort(res.Epochs, sum.MinSamples)
	}
	rows, failed := epochRows(kept, ext)

	all := append(append(append([]*eeg.EpochError(nil), res.Discarded...), short...), failed...)
	for _, e := range all {
		log.WithFields(logrus.Fields{"epoch": e.Index, "reason": e.Err, "labels": e.Labels, "samples": e.Samples}).Info("epoch discarded")
	}
	res.Discarded = all
	sum.Retained = len(rows)
	sum.Discarded = len(all)
	sum.Reasons = res.Summary()
	sum.Dropped = dropped(all)
	sum.ClassCounts = classCounts(rows)
	if len(rows) == 0 {
		return sum, fmt.Errorf("%s: no usable epochs: %w", in, eeg.ErrInsufficientSamples)
	}

	dir, err := mkSessionDir(p.cfg.Paths.Outputs, "epochs", p.now())
	if err != nil {
		return sum, err
	}
	sum.Dir = dir
	sum.TablePath = filepath.Join(dir, "epochs.csv")
	if err := recording.WriteFile(sum.TablePath, func(w io.Writer) error {
		return recording.WriteEpochTable(w, rows)
	}); err != nil {
		return sum, err
	}

	if o.FitModel != "" {
		if err := fitModel(o.FitModel, rows, ext.Kind(), sum.CommonLength); err != nil {
			return sum, err
		}
		sum.ModelPath = o.FitModel
	}
	if err := writeJSON(filepath.Join(dir, "summary.json"), sum); err != nil {
		return sum, err
	}
	if p.db != nil {
		if err := p.recordPrepare(sum, rows); err != nil {
			return sum, err
		}
	}

	log.WithFields(logrus.Fields{
		"retained":  sum.Retained,
		"discarded": sum.Discarded,
		"shortest":  sum.Shortest,
		"reasons":   sum.Reasons,
		"classes":   sum.ClassCounts,
		"table":     sum.TablePath,
	}).Info("epochs prepared")
	return sum, nil
}

func fitModel(path string, rows []recording.EpochRow, kind string, common int) error {
	x := make([][]float64, len(rows))
	y := make([]eeg.Label, len(rows))
	for i, r := range rows {
		l, err := eeg.ParseLabel(r.Label)
		if err != nil {
			return err
		}
		x[i], y[i] = r.Features, l
	}
	m, err := classify.FitCentroid(x, y, kind)
	if err != nil {
		return err
	}
	if kind == "raw" {
		m.InputSamples = common
	}
	return m.Save(path)
}

func (p *Pipeline) recordPrepare(sum *PrepareSummary, rows []recording.EpochRow) error {
	if err := p.db.RecordSession(store.Session{
		ID: sum.SessionID, Kind: "prepare", Source: sum.Source, StartedAt: p.now(),
		Retained: sum.Retained, Discarded: sum.Discarded,
	}); err != nil {
		return err
	}
	return p.db.RecordEpochs(sum.SessionID, rows)
}

// --- live ---

// Live classifies the most recent epoch of the source once per epoch length
// until ctx is cancelled. Timeouts and per-epoch failures are counted and
// logged, never fatal. On return the classifier and the sink are closed; the
// source belongs to the caller.
func (p *Pipeline) Live(ctx context.Context, src device.Source, c classify.Classifier, sink publish.Sink) (sum *LiveSummary, err error) {
	lc := p.cfg.Live
	d := classify.NewDispatcher(c, p.liveDeadline(), p.log)
	defer func() {
		if cerr := d.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close classifier: %w", cerr))
		}
		if cerr := sink.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close sink: %w", cerr))
		}
		if sum != nil {
			st := d.Stats()
			sum.Predicted, sum.Timeouts, sum.Failures = int(st.Predicted), int(st.Timeouts), int(st.Failures)
			if lc, ok := c.(lateCounter); ok {
				sum.Late = lc.Late()
			}
			p.finishLive(sum, st)
		}
	}()

	l, err := p.newLiveLoop(src, c, d, sink)
	if err != nil {
		return nil, err
	}
	sum = l.sum

	ticker := time.NewTicker(cfg.Seconds(lc.EpochLength))
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return sum, nil
		case <-ticker.C:
		}
		l.step(ctx, i)
	}
}

func (p *Pipeline) liveDeadline() time.Duration {
	if p.cfg.Live.Deadline > 0 {
		return cfg.Seconds(p.cfg.Live.Deadline)
	}
	return cfg.Seconds(p.cfg.Live.EpochLength)
}

// lateCounter is implemented by classifiers that can see replies arriving
// after the dispatcher gave up on them.
type lateCounter interface {
	Late() uint64
}

func (p *Pipeline) finishLive(sum *LiveSummary, st classify.Stats) {
	p.log.WithFields(logrus.Fields{
		"session":    sum.SessionID,
		"epochs":     sum.Epochs,
		"dispatched": st.Dispatched,
		"predicted":  sum.Predicted,
		"timeouts":   sum.Timeouts,
		"failures":   sum.Failures,
		"skipped":    sum.Skipped,
		"late":       sum.Late,
	}).Info("live session ended")
	if p.db == nil {
		return
	}
	if err := p.db.RecordSession(store.Session{
		ID: sum.SessionID, Kind: "live", Source: "device", StartedAt: sum.StartedAt,
		Retained: sum.Predicted, Discarded: sum.Timeouts + sum.Failures + sum.Skipped,
	}); err != nil {
		p.log.WithError(err).Warn("live session not stored")
	}
}

type liveLoop struct {
	src      device.Source
	flt      *filter.Filter // nil: the band is not realisable at the source rate
	ext      features.Extractor
	norm     features.Normalization
	d        *classify.Dispatcher
	sink     publish.Sink
	perEpoch int
	buffer   int
	inputs   int
	log      logrus.FieldLogger
	sum      *LiveSummary
}

func (p *Pipeline) newLiveLoop(src device.Source, c classify.Classifier, d *classify.Dispatcher, sink publish.Sink) (*liveLoop, error) {
	lc := p.cfg.Live
	rate := src.SamplingRate()
	perEpoch := int(math.Round(lc.EpochLength * rate))
	if perEpoch < 1 {
		return nil, fmt.Errorf("live epoch of %.3f s at %.1f Hz holds no samples", lc.EpochLength, rate)
	}
	norm, err := features.ParseNormalization(lc.Normalization)
	if err != nil {
		return nil, err
	}
	// the window is normalized before padding, so the extractor never is
	ext, err := features.New(p.cfg.Features, features.NormalizeNone)
	if err != nil {
		return nil, err
	}
	if offline, err := features.ParseNormalization(p.cfg.Epoch.Normalization); err == nil {
		features.WarnSkew(p.log, ext.Kind(), offline, norm)
	}

	l := &liveLoop{
		src:      src,
		ext:      ext,
		norm:     norm,
		d:        d,
		sink:     sink,
		perEpoch: perEpoch,
		buffer:   perEpoch * max(lc.BufferEpochs, 1),
		inputs:   lc.InputSamples,
		sum:      &LiveSummary{SessionID: uuid.NewString(), StartedAt: p.now(), LabelCounts: map[string]int{}},
	}
	if m, ok := c.(*classify.LinearModel); ok && l.inputs == 0 {
		l.inputs = m.InputSamples
	}
	if l.inputs == 0 {
		l.inputs = perEpoch
	}
	l.log = p.log.WithField("session", l.sum.SessionID)
	if p.db != nil {
		if err := p.db.RecordSession(store.Session{
			ID: l.sum.SessionID, Kind: "live", Source: "device", StartedAt: l.sum.StartedAt,
		}); err != nil {
			return nil, err
		}
		l.sink = publish.Multi{sink, publish.Store{DB: p.db, SessionID: l.sum.SessionID}}
	}

	design := p.cfg.Filter
	design.SampleRate = rate
	if l.flt, err = filter.FromConfig(design); err != nil {
		l.log.WithError(err).Warn("live filtering disabled")
	}
	return l, nil
}

// step classifies the latest epoch in the source buffer.
func (l *liveLoop) step(ctx context.Context, i int) {
	l.sum.Epochs++
	m, err := l.src.Fetch(l.buffer)
	if err != nil {
		l.skip(i, err)
		return
	}
	if l.flt != nil {
		m = l.flt.ApplyMatrix(m)
	}
	window := latest(transpose(m), l.perEpoch)
	if len(window) == 0 {
		l.skip(i, eeg.ErrSourceUnavailable)
		return
	}
	if l.ext.Kind() == "raw" {
		if l.norm == features.NormalizeEpoch {
			window = features.NormalizeRows(window)
		}
		if len(window) < l.inputs {
			l.sum.Padded++
		}
		window = epoch.FitLength(window, l.inputs)
	}

	fv, err := l.ext.Extract(window)
	if err != nil {
		l.skip(i, err)
		return
	}
	pred, err := l.d.Dispatch(ctx, i, fv)
	if err != nil {
		// timeouts are logged and counted by the dispatcher
		if ctx.Err() == nil && !errors.Is(err, eeg.ErrPredictionTimeout) {
			l.log.WithError(err).Warn("prediction failed")
		}
		return
	}
	l.sum.LabelCounts[pred.Label]++
	if err := l.sink.Publish(ctx, pred); err != nil {
		l.log.WithField("epoch", i).WithError(err).Warn("publish failed")
	}
}

func (l *liveLoop) skip(i int, err error) {
	l.sum.Skipped++
	l.log.WithFields(logrus.Fields{"epoch": i, "reason": err}).Warn("epoch skipped")
}
