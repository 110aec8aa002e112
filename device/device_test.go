package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

func TestRingLatest(t *testing.T) {
	r := newRing(2, 3)
	assert.Equal(t, [][]float64{{}, {}}, r.latest(2))

	for i := 1; i <= 4; i++ {
		r.push([]float64{float64(i), float64(-i)})
	}
	assert.Equal(t, [][]float64{{3, 4}, {-3, -4}}, r.latest(2))
	assert.Equal(t, [][]float64{{2, 3, 4}, {-2, -3, -4}}, r.latest(10))
}

type stubSource struct {
	startErr, stopErr, closeErr error
	stopped, closed             bool
}

func (s *stubSource) Start(context.Context) error    { return s.startErr }
func (s *stubSource) Fetch(int) ([][]float64, error) { return nil, nil }
func (s *stubSource) SamplingRate() float64          { return 200 }
func (s *stubSource) Channels() int                  { return 4 }
func (s *stubSource) Stop() error                    { s.stopped = true; return s.stopErr }
func (s *stubSource) Close() error                   { s.closed = true; return s.closeErr }
func opener(s *stubSource) Opener                    { return func(cfg.Device) (Source, error) { return s, nil } }
func devCfg(port string) cfg.Device                  { return cfg.Device{Kind: "stub", Port: port} }

func TestWithReleasesOnEveryPath(t *testing.T) {
	s := &stubSource{}
	fnErr := errors.New("boom")
	err := With(context.Background(), devCfg("a"), opener(s), nil, func(Source) error { return fnErr })
	assert.ErrorIs(t, err, fnErr)
	assert.True(t, s.stopped)
	assert.True(t, s.closed)

	s = &stubSource{}
	assert.Panics(t, func() {
		_ = With(context.Background(), devCfg("a"), opener(s), nil, func(Source) error { panic("interrupt") })
	})
	assert.True(t, s.closed)

	// the claim is released, so the device can be reopened
	s = &stubSource{}
	require.NoError(t, With(context.Background(), devCfg("a"), opener(s), nil, func(Source) error { return nil }))
}

func TestWithTeardownFailure(t *testing.T) {
	s := &stubSource{stopErr: errors.New("ble timeout")}
	err := With(context.Background(), devCfg("b"), opener(s), nil, func(Source) error { return nil })
	assert.ErrorIs(t, err, eeg.ErrSessionTeardown)
	assert.True(t, s.closed, "close must run even when stop fails")
}

func TestOpenIsExclusive(t *testing.T) {
	s := &stubSource{}
	src, err := Open(devCfg("c"), opener(s))
	require.NoError(t, err)

	_, err = Open(devCfg("c"), opener(&stubSource{}))
	assert.ErrorIs(t, err, eeg.ErrDeviceBusy)

	require.NoError(t, src.Close())
	src, err = Open(devCfg("c"), opener(&stubSource{}))
	require.NoError(t, err)
	require.NoError(t, src.Close())
}

func TestSyntheticStreams(t *testing.T) {
	s := NewSynthetic(SyntheticOptions{Rate: 200, Channels: 4, Seed: 7})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool {
		m, _ := s.Fetch(10)
		return len(m[0]) == 10
	}, time.Second, 10*time.Millisecond)

	m, err := s.Fetch(10)
	require.NoError(t, err)
	assert.Len(t, m, 4)
}

func TestSyntheticDeterministic(t *testing.T) {
	a := NewSynthetic(SyntheticOptions{Rate: 100, Channels: 2, Seed: 3})
	b := NewSynthetic(SyntheticOptions{Rate: 100, Channels: 2, Seed: 3})
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func cytonPacketBytes(seq byte, counts [8]int32) []byte {
	p := make([]byte, cytonPacket)
	p[0] = cytonHeader
	p[1] = seq
	for ch, v := range counts {
		u := uint32(v) & 0xFFFFFF
		p[2+3*ch] = byte(u >> 16)
		p[3+3*ch] = byte(u >> 8)
		p[4+3*ch] = byte(u)
	}
	p[cytonPacket-1] = 0xC0
	return p
}

func TestPacketParserResyncs(t *testing.T) {
	var stream []byte
	stream = append(stream, 0x01, 0x02, cytonHeader) // garbage and a false header
	stream = append(stream, cytonPacketBytes(1, [8]int32{1, -1, 0, 100, 0, 0, 0, 0})...)
	stream = append(stream, cytonPacketBytes(2, [8]int32{-8388607, 8388607})...)

	var p packetParser
	// feed in two uneven halves
	out := p.feed(stream[:20])
	out = append(out, p.feed(stream[20:])...)

	require.Len(t, out, 2)
	assert.InDelta(t, cytonScale, out[0][0], 1e-12)
	assert.InDelta(t, -cytonScale, out[0][1], 1e-12)
	assert.InDelta(t, 100*cytonScale, out[0][3], 1e-9)
	assert.InDelta(t, -187500.0, out[1][0], 1e-6)
	assert.InDelta(t, 187500.0, out[1][1], 1e-6)
}

type fakePort struct {
	mu      sync.Mutex
	r       io.Reader
	written bytes.Buffer
	closed  bool
}

func (f *fakePort) Read(b []byte) (int, error) { return f.r.Read(b) }
func (f *fakePort) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(b)
}
func (f *fakePort) Close() error { f.closed = true; return nil }

func TestCytonStreamsFromPort(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, cytonPacketBytes(byte(i), [8]int32{int32(i)})...)
	}
	port := &fakePort{r: bytes.NewReader(stream)}
	c := NewCyton(port, 1)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		m, _ := c.Fetch(5)
		return len(m[0]) == 5
	}, time.Second, 5*time.Millisecond)

	m, _ := c.Fetch(2)
	assert.InDelta(t, 3*cytonScale, m[0][0], 1e-12)
	assert.InDelta(t, 4*cytonScale, m[0][1], 1e-12)

	require.NoError(t, c.Close())
	assert.Equal(t, "bs", port.written.String())
	assert.True(t, port.closed)
}

func TestListPortsDonglesFirst(t *testing.T) {
	list := func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyUSB1", IsUSB: true, VID: "10c4", PID: "ea60"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6015", SerialNumber: "DM00ABCD"},
		}, nil
	}
	ports, err := ListPorts(list)
	require.NoError(t, err)
	require.Len(t, ports, 3)
	assert.Equal(t, PortInfo{Name: "/dev/ttyUSB0", USB: true, VID: "0403", PID: "6015", Serial: "DM00ABCD", Dongle: true}, ports[0])
	assert.Equal(t, "/dev/ttyS0", ports[1].Name)
	assert.False(t, ports[2].Dongle)

	_, err = ListPorts(func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no sysfs") })
	assert.Error(t, err)
}
