package orchestrator

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/recording"
	"github.com/maastricht-university/eeg-pipeline/store"
)

func TestRelabelUsesExternalLog(t *testing.T) {
	dir := t.TempDir()
	recs := labelled()
	for i := range recs {
		recs[i].Label = eeg.Nothing
	}
	samples := filepath.Join(dir, "merged.csv")
	require.NoError(t, recording.WriteFile(samples, func(w io.Writer) error { return recording.WriteMerged(w, recs) }))

	labels := filepath.Join(dir, "labels.csv")
	require.NoError(t, recording.WriteFile(labels, func(w io.Writer) error {
		return recording.WriteLabels(w, []eeg.LabelEvent{
			{Time: 0, Label: eeg.Nothing},
			{Time: 1.0, Label: eeg.RightBlink},
			{Time: 3.0, Label: eeg.Nothing},
		})
	}))

	out := filepath.Join(dir, "relabelled.csv")
	sum, err := NewPipeline(testConfig(t), quiet()).Relabel(samples, labels, out)
	require.NoError(t, err)
	assert.Equal(t, 80, sum.Records)
	assert.Equal(t, 3, sum.Events)

	got, err := recording.ReadFile(out, recording.ReadMerged)
	require.NoError(t, err)
	require.Len(t, got, 80)
	assert.Equal(t, eeg.Nothing, got[0].Label)
	assert.Equal(t, eeg.RightBlink, got[30].Label, "t=1.5 is nearest the 1.0 event")
	assert.Equal(t, eeg.Nothing, got[70].Label)
	assert.Equal(t, recs[30].Channels, got[30].Channels)
}

func TestRelabelEmptyLog(t *testing.T) {
	dir := t.TempDir()
	samples := filepath.Join(dir, "merged.csv")
	require.NoError(t, recording.WriteFile(samples, func(w io.Writer) error { return recording.WriteMerged(w, labelled()) }))
	labels := filepath.Join(dir, "labels.csv")
	require.NoError(t, recording.WriteFile(labels, func(w io.Writer) error { return recording.WriteLabels(w, nil) }))

	_, err := NewPipeline(testConfig(t), quiet()).Relabel(samples, labels, filepath.Join(dir, "out.csv"))
	assert.ErrorIs(t, err, eeg.ErrNoLabelData)
}

func TestInspectPrepareSession(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "eeg.db"))
	require.NoError(t, err)
	defer db.Close()
	p := NewPipeline(testConfig(t), quiet()).WithStore(db)

	sum, err := p.Prepare(context.Background(), writeFiltered(t, labelled()), PrepareOptions{})
	require.NoError(t, err)

	rep, err := p.Inspect(sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "prepare", rep.Session.Kind)
	assert.Equal(t, 2, rep.Session.Retained)
	assert.Equal(t, 2, rep.Epochs)
	assert.Nil(t, rep.Predictions)

	_, err = p.Inspect("missing")
	assert.Error(t, err)
	_, err = NewPipeline(testConfig(t), quiet()).Inspect(sum.SessionID)
	assert.ErrorContains(t, err, "paths.database")
}

func TestSessionDirsNeverShared(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	first, err := mkSessionDir(root, "session", now)
	require.NoError(t, err)
	second, err := mkSessionDir(root, "session", now.Add(400*time.Millisecond))
	require.NoError(t, err)
	third, err := mkSessionDir(root, "session", now)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "session_20240501-123000"), first)
	assert.Equal(t, first+"-2", second)
	assert.Equal(t, first+"-3", third)
	assert.DirExists(t, second)
}
