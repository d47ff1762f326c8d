package a2dp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// pendingOp tracks which command a Session is currently awaiting an
// acknowledgement for, so Ack knows which host method to retry on a
// Failure status.
type pendingOp int

const (
	opNone pendingOp = iota
	opStart
	opSuspend
)

// Session is one Bluetooth A2DP offload session: a negotiated codec
// configuration, a bound host interface, and the acknowledgement
// handshake for start/suspend commands.
type Session struct {
	mu      sync.Mutex
	hostIf  HostInterface
	codec   CodecConfiguration
	started bool

	pending pendingOp
	ack     chan Status
}

// NewSession returns an unstarted Session.
func NewSession() *Session {
	return &Session{ack: make(chan Status, 1)}
}

// SessionStart validates the codec type, binds the host interface, and
// clears any previously staged codec configuration buffer.
func (s *Session) SessionStart(codec CodecConfiguration, hostIf HostInterface) error {
	switch codec.Type {
	case CodecSBC, CodecAPTX:
	default:
		return ErrUnsupportedCodec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostIf = hostIf
	s.codec = codec
	s.started = true
	s.pending = opNone
	drainAck(s.ack)
	return nil
}

// StartStream asks the host interface to start the stream, then waits
// for its acknowledgement.
func (s *Session) StartStream(ctx context.Context) error {
	hostIf, err := s.begin(opStart)
	if err != nil {
		return err
	}
	if err := hostIf.StartStream(); err != nil {
		return fmt.Errorf("a2dp: start stream: %w", err)
	}
	return s.waitAck(ctx)
}

// StopStream asks the host interface to stop the stream and returns
// immediately — the original never waits on an acknowledgement here.
func (s *Session) StopStream(ctx context.Context) error {
	hostIf, err := s.begin(opNone)
	if err != nil {
		return err
	}
	if err := hostIf.StopStream(); err != nil {
		return fmt.Errorf("a2dp: stop stream: %w", err)
	}
	return nil
}

// SuspendStream asks the host interface to suspend the stream, then
// waits for its acknowledgement, identically to StartStream.
func (s *Session) SuspendStream(ctx context.Context) error {
	hostIf, err := s.begin(opSuspend)
	if err != nil {
		return err
	}
	if err := hostIf.SuspendStream(); err != nil {
		return fmt.Errorf("a2dp: suspend stream: %w", err)
	}
	return s.waitAck(ctx)
}

func (s *Session) begin(op pendingOp) (HostInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, fmt.Errorf("a2dp: session not started")
	}
	s.pending = op
	drainAck(s.ack)
	return s.hostIf, nil
}

// waitAck blocks for at most waitNormalAck for an Ack call. A Pending
// status re-arms the same timeout exactly once more; anything else
// resolves immediately.
func (s *Session) waitAck(ctx context.Context) error {
	status, err := s.waitOnce(ctx, waitNormalAck)
	if err != nil {
		return err
	}
	if status != StatusPending {
		return resultFor(status)
	}

	status, err = s.waitOnce(ctx, waitNormalAck)
	if err != nil {
		return err
	}
	return resultFor(status)
}

func (s *Session) waitOnce(ctx context.Context, timeout time.Duration) (Status, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case status := <-s.ack:
		return status, nil
	case <-timer.C:
		return 0, ErrAckTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func resultFor(status Status) error {
	if status == StatusSuccess {
		return nil
	}
	return ErrAckFailed
}

// Ack is driven by the RPC layer whenever the Bluetooth stack reports a
// start/suspend acknowledgement. On Failure it retries the pending
// command once, after a short delay, and does not wake the waiter —
// matching the original's retry path, which leaves the timed wait
// outstanding for a subsequent ack. On any other status it records the
// result and wakes the waiter exactly once (the single-signal fix: the
// original's suspend handler signalled twice — once inside its status
// switch and once unconditionally afterward — which this does not
// reproduce).
func (s *Session) Ack(status Status) {
	s.mu.Lock()
	op := s.pending
	hostIf := s.hostIf
	s.mu.Unlock()

	if status == StatusFailure {
		switch op {
		case opStart:
			time.Sleep(retryDelay)
			hostIf.StartStream()
		case opSuspend:
			time.Sleep(retryDelay)
			hostIf.SuspendStream()
		}
		return
	}

	select {
	case s.ack <- status:
	default:
	}
}

func drainAck(ch chan Status) {
	select {
	case <-ch:
	default:
	}
}
