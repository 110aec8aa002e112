package orchestrator

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/merge"
	"github.com/maastricht-university/eeg-pipeline/recording"
)

// Relabel re-merges the samples of a merged record file with a label log
// kept by separate software. Every sample takes the nearest logged label;
// the labels already in the samples file are ignored.
func (p *Pipeline) Relabel(samplesPath, labelsPath, out string) (*RelabelSummary, error) {
	recs, err := recording.ReadFile(samplesPath, recording.ReadMerged)
	if err != nil {
		return nil, err
	}
	events, err := recording.ReadFile(labelsPath, recording.ReadLabels)
	if err != nil {
		return nil, err
	}
	samples := make([]eeg.Sample, len(recs))
	for i, r := range recs {
		samples[i] = eeg.Sample{Time: r.Time, Channels: r.Channels}
	}
	merged, err := merge.Merge(events, samples)
	if err != nil {
		return nil, fmt.Errorf("relabel %s with %s: %w", samplesPath, labelsPath, err)
	}
	if err := recording.WriteFile(out, func(w io.Writer) error {
		return recording.WriteMerged(w, merged)
	}); err != nil {
		return nil, err
	}

	sum := &RelabelSummary{
		Samples:     samplesPath,
		Labels:      labelsPath,
		Output:      out,
		Records:     len(merged),
		Events:      len(events),
		LabelCounts: labelCounts(merged),
	}
	p.log.WithFields(logrus.Fields{"output": out, "records": sum.Records, "events": sum.Events}).Info("relabelled")
	return sum, nil
}

// Inspect reads one session back from the database.
func (p *Pipeline) Inspect(id string) (*SessionReport, error) {
	if p.db == nil {
		return nil, errors.New("no session database configured (paths.database)")
	}
	s, err := p.db.Session(id)
	if err != nil {
		return nil, err
	}
	rep := &SessionReport{Session: s}
	switch s.Kind {
	case "prepare":
		rows, err := p.db.Epochs(id)
		if err != nil {
			return nil, err
		}
		rep.Epochs = len(rows)
	case "live":
		if rep.Predictions, err = p.db.LabelCounts(id); err != nil {
			return nil, err
		}
	}
	return rep, nil
}
