package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	cytonRate     = 250.0
	cytonChannels = 8
	cytonPacket   = 33
	cytonHeader   = 0xA0
	// µV per count: Vref 4.5 V, gain 24, 24-bit signed range.
	cytonScale = 4.5 / 24 / float64(1<<23-1) * 1e6
)

// Port is the part of a serial port the Cyton reader needs.
type Port interface {
	io.ReadWriteCloser
}

type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// Cyton streams an OpenBCI Cyton board through its USB serial dongle.
type Cyton struct {
	port Port
	buf  *ring
	log  logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenCyton opens the serial port at 8N1.
func OpenCyton(portName string, baud int, bufferSeconds float64) (*Cyton, error) {
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	return NewCyton(port, bufferSeconds), nil
}

// NewCyton wraps an already opened port.
func NewCyton(port Port, bufferSeconds float64) *Cyton {
	if bufferSeconds <= 0 {
		bufferSeconds = 30
	}
	if rt, ok := port.(readTimeouter); ok {
		_ = rt.SetReadTimeout(100 * time.Millisecond)
	}
	return &Cyton{
		port: port,
		buf:  newRing(cytonChannels, int(cytonRate*bufferSeconds)),
		log:  logrus.StandardLogger().WithField("board", "cyton"),
	}
}

func (c *Cyton) SamplingRate() float64 { return cytonRate }
func (c *Cyton) Channels() int         { return cytonChannels }

func (c *Cyton) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("cyton already streaming")
	}
	if _, err := c.port.Write([]byte("b")); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.read(ctx)
	return nil
}

func (c *Cyton) read(ctx context.Context) {
	defer close(c.done)
	var p packetParser
	chunk := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.port.Read(chunk)
		if n > 0 {
			for _, s := range p.feed(chunk[:n]) {
				c.buf.push(s)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.log.WithError(err).Warn("serial read failed")
			}
			return
		}
	}
}

func (c *Cyton) Sequence() uint64 { return c.buf.sequence() }

func (c *Cyton) Fetch(n int) ([][]float64, error) {
	return c.buf.latest(n), nil
}

func (c *Cyton) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	_, err := c.port.Write([]byte("s"))
	cancel()
	<-done
	if err != nil {
		return fmt.Errorf("stop streaming: %w", err)
	}
	return nil
}

func (c *Cyton) Close() error {
	err := c.Stop()
	if cerr := c.port.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// packetParser splits the byte stream into 33-byte Cyton packets, dropping
// bytes until a header/footer pair lines up.
type packetParser struct {
	pending []byte
	dropped int
}

func (p *packetParser) feed(b []byte) [][]float64 {
	p.pending = append(p.pending, b...)
	var out [][]float64
	for {
		i := 0
		for i < len(p.pending) && p.pending[i] != cytonHeader {
			i++
		}
		p.dropped += i
		p.pending = p.pending[i:]
		if len(p.pending) < cytonPacket {
			return out
		}
		if p.pending[cytonPacket-1]&0xF0 != 0xC0 {
			p.pending = p.pending[1:]
			p.dropped++
			continue
		}
		out = append(out, decodeChannels(p.pending[2:2+3*cytonChannels]))
		p.pending = p.pending[cytonPacket:]
	}
}

func decodeChannels(b []byte) []float64 {
	out := make([]float64, cytonChannels)
	for ch := range out {
		out[ch] = float64(int24(b[3*ch:3*ch+3])) * cytonScale
	}
	return out
}

func int24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v |= ^0xFFFFFF
	}
	return v
}
