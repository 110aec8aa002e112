package classify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// Stats counts dispatcher outcomes.
type Stats struct {
	Dispatched uint64
	Predicted  uint64
	Timeouts   uint64
	Failures   uint64
}

// Dispatcher keeps at most one prediction in flight and gives each epoch a
// fixed budget. The budget covers waiting for a previous, still-running
// prediction to finish. Missed epochs are never retried.
type Dispatcher struct {
	c        Classifier
	deadline time.Duration
	slot     chan struct{}
	log      logrus.FieldLogger
	now      func() time.Time

	dispatched, predicted, timeouts, failures atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

func NewDispatcher(c Classifier, deadline time.Duration, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{c: c, deadline: deadline, slot: make(chan struct{}, 1), log: log, now: time.Now}
}

type outcome struct {
	p   eeg.Prediction
	err error
}

// Dispatch classifies one epoch. It returns an *eeg.EpochError wrapping
// eeg.ErrPredictionTimeout when the budget runs out and wrapping the
// classifier's error when it fails.
func (d *Dispatcher) Dispatch(ctx context.Context, epoch int, fv eeg.FeatureVector) (eeg.Prediction, error) {
	d.dispatched.Add(1)
	start := d.now()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	select {
	case d.slot <- struct{}{}:
	case <-ctx.Done():
		return eeg.Prediction{}, d.miss(parent, epoch, ctx.Err())
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() { <-d.slot }()
		p, err := d.c.Predict(ctx, fv)
		done <- outcome{p, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() != nil {
				return eeg.Prediction{}, d.miss(parent, epoch, ctx.Err())
			}
			d.failures.Add(1)
			return eeg.Prediction{}, &eeg.EpochError{Index: epoch, Err: o.err}
		}
		d.predicted.Add(1)
		p := o.p
		p.Epoch = epoch
		p.At = d.now()
		p.Latency = p.At.Sub(start)
		return p, nil
	case <-ctx.Done():
		return eeg.Prediction{}, d.miss(parent, epoch, ctx.Err())
	}
}

// miss reports a blown budget. Cancellation of the caller's own context is
// shutdown, not a timeout, and is returned as is.
func (d *Dispatcher) miss(parent context.Context, epoch int, cause error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	d.timeouts.Add(1)
	d.log.WithFields(logrus.Fields{"epoch": epoch, "deadline": d.deadline, "cause": cause}).Warn(eeg.ErrPredictionTimeout)
	return &eeg.EpochError{Index: epoch, Err: eeg.ErrPredictionTimeout}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Predicted:  d.predicted.Load(),
		Timeouts:   d.timeouts.Load(),
		Failures:   d.failures.Load(),
	}
}

// Close waits up to the deadline for an in-flight prediction to return and
// closes the classifier. A prediction still running after that is
// abandoned. Later calls return the first call's result.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		t := time.NewTimer(d.deadline)
		defer t.Stop()
		select {
		case d.slot <- struct{}{}:
		case <-t.C:
			d.log.WithField("grace", d.deadline).Warn("closing classifier with a prediction still running")
		}
		d.closeErr = d.c.Close()
	})
	return d.closeErr
}
