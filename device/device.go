// Package device wraps the biosignal board as an explicitly opened, exclusively
// owned resource.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// Source is a started-on-demand stream of multi-channel samples.
type Source interface {
	// Start begins streaming. Samples are buffered internally until fetched.
	Start(ctx context.Context) error
	// Fetch returns up to n of the most recent samples as channels x samples.
	// It returns fewer columns when less data is buffered and never blocks.
	Fetch(n int) ([][]float64, error)
	SamplingRate() float64
	Channels() int
	Stop() error
	Close() error
}

var (
	openMu sync.Mutex
	held   = map[string]bool{}
)

// Opener builds a Source from configuration. Tests replace it.
type Opener func(c cfg.Device) (Source, error)

// Open claims the configured device and returns it unstarted. The claim is
// released when the returned Source is closed.
func Open(c cfg.Device, open Opener) (Source, error) {
	key := c.Kind + ":" + c.Port
	openMu.Lock()
	if held[key] {
		openMu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, eeg.ErrDeviceBusy)
	}
	held[key] = true
	openMu.Unlock()

	if open == nil {
		open = DefaultOpener
	}
	src, err := open(c)
	if err != nil {
		release(key)
		return nil, err
	}
	return &claimed{Source: src, key: key}, nil
}

// DefaultOpener picks the implementation named by c.Kind.
func DefaultOpener(c cfg.Device) (Source, error) {
	switch c.Kind {
	case "synthetic":
		return NewSynthetic(SyntheticOptions{
			Rate:          c.SamplingRate,
			Channels:      c.Channels,
			BufferSeconds: c.BufferSeconds,
			Seed:          c.Seed,
		}), nil
	case "cyton":
		return OpenCyton(c.Port, c.BaudRate, c.BufferSeconds)
	default:
		return nil, fmt.Errorf("unknown device kind %q", c.Kind)
	}
}

func release(key string) {
	openMu.Lock()
	delete(held, key)
	openMu.Unlock()
}

type claimed struct {
	Source
	key  string
	once sync.Once
}

func (c *claimed) Unwrap() Source { return c.Source }

// Sequence reports how many samples src has produced so far, for sources
// that count them.
func Sequence(src Source) (uint64, bool) {
	for {
		switch s := src.(type) {
		case interface{ Sequence() uint64 }:
			return s.Sequence(), true
		case interface{ Unwrap() Source }:
			src = s.Unwrap()
		default:
			return 0, false
		}
	}
}

func (c *claimed) Close() error {
	err := c.Source.Close()
	c.once.Do(func() { release(c.key) })
	return err
}

// With opens and starts the device, runs fn, then stops and closes it on
// every exit path. Teardown failures are reported as eeg.ErrSessionTeardown
// after local resources have been released.
func With(ctx context.Context, c cfg.Device, open Opener, log logrus.FieldLogger, fn func(Source) error) (err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	src, err := Open(c, open)
	if err != nil {
		return err
	}
	log = log.WithField("device", c.Kind)
	log.Info("preparing session")

	defer func() {
		r := recover()
		if terr := teardown(src, log); terr != nil {
			err = errors.Join(err, terr)
		}
		if r != nil {
			panic(r)
		}
	}()

	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	log.WithField("rate", src.SamplingRate()).Info("stream started")
	return fn(src)
}

func teardown(src Source, log logrus.FieldLogger) error {
	var errs []error
	log.Info("stopping stream")
	if err := src.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	log.Info("releasing session")
	if err := src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %w", eeg.ErrSessionTeardown, errors.Join(errs...))
	log.WithError(err).Error("session teardown failed")
	return err
}
