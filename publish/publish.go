// Package publish emits live predictions, one per epoch.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

type Sink interface {
	Publish(ctx context.Context, p eeg.Prediction) error
	Close() error
}

// Writer prints one line per prediction: the label, or the full prediction
// as JSON.
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func NewWriter(w io.Writer, asJSON bool) *Writer { return &Writer{w: w, json: asJSON} }

func (s *Writer) Publish(_ context.Context, p eeg.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.json {
		return json.NewEncoder(s.w).Encode(p)
	}
	_, err := fmt.Fprintf(s.w, "Predicted label: %s\n", p.Label)
	return err
}

func (s *Writer) Close() error { return nil }

// Multi fans a prediction out to every sink. One failing sink does not stop
// the others.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, p eeg.Prediction) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is the subset of the store used to keep predictions.
type Recorder interface {
	RecordPrediction(sessionID string, p eeg.Prediction) error
}

// Store writes predictions to the session database.
type Store struct {
	DB        Recorder
	SessionID string
}

func (s Store) Publish(_ context.Context, p eeg.Prediction) error {
	return s.DB.RecordPrediction(s.SessionID, p)
}

func (s Store) Close() error { return nil }
