// Package acquisition runs the two periodic capture loops of a recording
// session: the label recorder and the sample acquisition loop.
//
// Both loops share one cancellation context and Run returns only after both
// have exited, so the returned buffers are never read while still growing.
package acquisition

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/maastricht-university/eeg-pipeline/device"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

type Options struct {
	LabelInterval  time.Duration // default 100ms
	SampleInterval time.Duration // default 100ms
	// SourceTimeout is how long the source may return nothing before a
	// SourceUnavailable warning is logged.
	SourceTimeout time.Duration
	Now           func() time.Time
	Log           logrus.FieldLogger
}

func (o *Options) defaults() {
	if o.LabelInterval <= 0 {
		o.LabelInterval = 100 * time.Millisecond
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = 100 * time.Millisecond
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

type Stats struct {
	SampleTicks int `json:"sample_ticks"`
	EmptyTicks  int `json:"empty_ticks"`
	FetchErrors int `json:"fetch_errors"`
	Gaps        int `json:"gaps"`
	LabelTicks  int `json:"label_ticks"`
}

// Capture is everything a session recorded.
type Capture struct {
	Start   time.Time
	Samples []eeg.Sample
	Labels  []eeg.LabelEvent
	Stats   Stats
}

// Run captures until ctx is cancelled and both loops have returned.
func Run(ctx context.Context, src device.Source, cell *LabelCell, o Options) (*Capture, error) {
	o.defaults()
	c := &Capture{Start: o.Now()}
	elapsed := func() float64 { return o.Now().Sub(c.Start).Seconds() }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Labels, c.Stats.LabelTicks = recordLabels(gctx, cell, o, elapsed)
		return nil
	})
	var acq acquireStats
	g.Go(func() error {
		c.Samples, acq = acquireSamples(gctx, src, o, elapsed)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.Stats.SampleTicks = acq.ticks
	c.Stats.EmptyTicks = acq.empty
	c.Stats.FetchErrors = acq.errors
	c.Stats.Gaps = acq.gaps

	o.Log.WithFields(logrus.Fields{
		"samples": len(c.Samples),
		"labels":  len(c.Labels),
		"gaps":    c.Stats.Gaps,
		"seconds": elapsed(),
	}).Info("capture stopped")
	return c, nil
}

func recordLabels(ctx context.Context, cell *LabelCell, o Options, elapsed func() float64) ([]eeg.LabelEvent, int) {
	var out []eeg.LabelEvent
	tick := time.NewTicker(o.LabelInterval)
	defer tick.Stop()
	for {
		ev := eeg.LabelEvent{Time: elapsed(), Label: cell.Get()}
		out = append(out, ev)
		o.Log.WithField("label", ev.Label).Debugf("time: %.1f s", ev.Time)
		select {
		case <-ctx.Done():
			return out, len(out)
		case <-tick.C:
		}
	}
}

type acquireStats struct {
	ticks, empty, errors, gaps int
}

func acquireSamples(ctx context.Context, src device.Source, o Options, elapsed func() float64) ([]eeg.Sample, acquireStats) {
	var (
		out      []eeg.Sample
		st       acquireStats
		lastData = o.Now()
		inGap    bool
		lastSeq  uint64
	)
	tick := time.NewTicker(o.SampleInterval)
	defer tick.Stop()
	for {
		st.ticks++
		got := false
		now := elapsed()
		// a counted source that produced nothing new is an empty tick; the
		// previous sample is never re-stamped
		seq, counted := device.Sequence(src)
		if !counted || seq != lastSeq {
			m, err := src.Fetch(1)
			switch {
			case err != nil:
				st.errors++
				o.Log.WithError(err).Warn("fetch failed")
			case len(m) > 0 && len(m[0]) > 0:
				ch := make([]float64, len(m))
				for i := range m {
					ch[i] = m[i][len(m[i])-1]
				}
				out = append(out, eeg.Sample{Time: now, Channels: ch})
				got = true
				lastSeq = seq
			}
		}

		switch {
		case got:
			lastData = o.Now()
			if inGap {
				o.Log.WithField("time", now).Info("sample source resumed")
				inGap = false
			}
		default:
			st.empty++
			if !inGap && o.Now().Sub(lastData) >= o.SourceTimeout {
				inGap = true
				st.gaps++
				o.Log.WithError(eeg.ErrSourceUnavailable).WithField("time", now).Warn("no samples from source")
			}
		}

		select {
		case <-ctx.Done():
			return out, st
		case <-tick.C:
		}
	}
}
