package clients

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrWorkerExited is returned for requests outstanding when the worker
// process goes away.
var ErrWorkerExited = errors.New("classifier worker exited")

// Worker runs a classifier as a child process that speaks length-prefixed
// msgpack frames on stdin/stdout. Every request carries an id that the
// worker echoes; replies to requests the caller already gave up on are
// dropped.
type Worker struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	log    logrus.FieldLogger

	wmu     sync.Mutex // one frame written at a time
	mu      sync.Mutex
	pending map[uint64]chan PredictResp
	seq     atomic.Uint64
	late    atomic.Uint64

	readers sync.WaitGroup
	dead    chan struct{} // closed when stdout ends
	exited  chan struct{} // closed after cmd.Wait
	closing atomic.Bool
}

// StartWorker launches name with args.
func StartWorker(ctx context.Context, name string, args []string, log logrus.FieldLogger) (*Worker, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start worker %s: %w", name, err)
	}

	w := &Worker{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		log:     log.WithFields(logrus.Fields{"worker": name, "pid": cmd.Process.Pid}),
		pending: map[uint64]chan PredictResp{},
		dead:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	w.log.Info("classifier worker started")

	w.readers.Add(2)
	go w.readResults(stdout)
	go w.logStderr(stderr)
	go w.waitProcess()
	return w, nil
}

// Predict sends one request and waits for its reply, ctx expiry or worker
// exit, whichever comes first.
func (w *Worker) Predict(ctx context.Context, in PredictReq) (*PredictResp, error) {
	in.ID = w.seq.Add(1)
	ch := make(chan PredictResp, 1)
	w.mu.Lock()
	w.pending[in.ID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, in.ID)
		w.mu.Unlock()
	}()

	select {
	case <-w.dead:
		return nil, ErrWorkerExited
	default:
	}

	w.wmu.Lock()
	err := writeFrame(w.stdin, in)
	w.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("worker write: %w", err)
	}

	select {
	case out := <-ch:
		if out.Error != "" {
			return nil, errors.New("worker: " + out.Error)
		}
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.dead:
		return nil, ErrWorkerExited
	}
}

// Late counts replies that arrived after their caller gave up.
func (w *Worker) Late() uint64 { return w.late.Load() }

func (w *Worker) readResults(stdout io.Reader) {
	defer w.readers.Done()
	defer close(w.dead)
	for {
		var out PredictResp
		err := readFrame(stdout, &out)
		switch {
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			w.log.Debug("worker stdout closed")
			return
		case err != nil:
			// framing is lost; nothing after this can be trusted
			w.log.WithError(err).Error("worker stream corrupt")
			return
		}

		w.mu.Lock()
		ch, ok := w.pending[out.ID]
		w.mu.Unlock()
		if !ok {
			w.late.Add(1)
			w.log.WithField("id", out.ID).Debug("dropping late worker reply")
			continue
		}
		ch <- out
	}
}

// logStderr forwards the worker's own log lines, keeping their level.
func (w *Worker) logStderr(stderr io.Reader) {
	defer w.readers.Done()
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			w.log.WithField("log", line).Error("worker error")
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			w.log.WithField("log", line).Warn("worker warning")
		default:
			w.log.WithField("log", line).Debug("worker log")
		}
	}
}

// waitProcess reaps the child once both pipes are drained.
func (w *Worker) waitProcess() {
	w.readers.Wait()
	err := w.cmd.Wait()
	switch {
	case err == nil:
		w.log.Info("classifier worker exited")
	case w.closing.Load():
		w.log.WithError(err).Debug("classifier worker stopped")
	default:
		w.log.WithError(err).Error("classifier worker exited unexpectedly")
	}
	close(w.exited)
}

// Close asks the worker to exit by closing its stdin and kills it if it is
// still running after grace.
func (w *Worker) Close() error {
	if !w.closing.CompareAndSwap(false, true) {
		<-w.exited
		return nil
	}
	err := w.stdin.Close()
	select {
	case <-w.exited:
	case <-time.After(2 * time.Second):
		w.log.Warn("classifier worker did not exit, killing it")
		w.cancel()
		<-w.exited
	}
	w.cancel()
	return err
}
