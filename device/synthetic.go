package device

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

type SyntheticOptions struct {
	Rate          float64 // Hz
	Channels      int
	BufferSeconds float64
	Seed          int64
}

// Synthetic generates an EEG-like signal: a 10 Hz rhythm over a slow drift,
// periodic blink artifacts on the frontal channels and seeded noise. Values
// are in µV.
type Synthetic struct {
	opts SyntheticOptions
	buf  *ring
	rng  *rand.Rand

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	produced int
}

func NewSynthetic(o SyntheticOptions) *Synthetic {
	if o.Rate <= 0 {
		o.Rate = 200
	}
	if o.Channels <= 0 {
		o.Channels = 4
	}
	if o.BufferSeconds <= 0 {
		o.BufferSeconds = 30
	}
	seed := uint64(o.Seed)
	return &Synthetic{
		opts: o,
		buf:  newRing(o.Channels, int(o.Rate*o.BufferSeconds)),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Synthetic) SamplingRate() float64 { return s.opts.Rate }
func (s *Synthetic) Channels() int         { return s.opts.Channels }

func (s *Synthetic) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("synthetic source already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, time.Now())
	return nil
}

func (s *Synthetic) run(ctx context.Context, t0 time.Time) {
	defer close(s.done)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			due := int(now.Sub(t0).Seconds() * s.opts.Rate)
			for s.produced < due {
				s.buf.push(s.Next())
			}
		}
	}
}

// Next produces the next sample without buffering it.
func (s *Synthetic) Next() []float64 {
	t := float64(s.produced) / s.opts.Rate
	s.produced++

	out := make([]float64, s.opts.Channels)
	drift := 15 * math.Sin(2*math.Pi*0.2*t)
	alpha := 20 * math.Sin(2*math.Pi*10*t)
	// one 200 ms blink every 4 s
	blink := 0.0
	if p := math.Mod(t, 4); p < 0.2 {
		blink = 150 * math.Sin(math.Pi*p/0.2)
	}
	for ch := range out {
		v := drift + alpha*(1+0.1*float64(ch)) + 5*s.rng.NormFloat64()
		if ch%2 == 1 {
			v += blink
		}
		out[ch] = v
	}
	return out
}

func (s *Synthetic) Sequence() uint64 { return s.buf.sequence() }

func (s *Synthetic) Fetch(n int) ([][]float64, error) {
	return s.buf.latest(n), nil
}

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Synthetic) Close() error {
	err := s.Stop()
	s.buf.reset()
	return err
}
