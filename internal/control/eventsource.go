package control

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"ditctl"
)

// EventSource reads one offload_event record from the accelerator's
// primary device, blocking until data is available, ctx is cancelled,
// or the device reports a terminal condition.
type EventSource interface {
	Poll(ctx context.Context) (ditctl.OffloadEvent, error)
	Close() error
}

// realEventSource implements EventSource against the accelerator
// character device using poll(2), matching the original's
// POLLIN|POLLHUP event loop. The poll timeout is bounded (rather than
// the original's infinite block) purely so ctx cancellation is checked
// periodically; see DESIGN NOTES open question (c).
type realEventSource struct {
	fd int
}

const eventPollTimeoutMillis = 1000

func newRealEventSource(devices []string) (*realEventSource, error) {
	var lastErr error
	for _, path := range devices {
		fd, err := unix.Open(path, unix.O_RDONLY, 0)
		if err == nil {
			return &realEventSource{fd: fd}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("control: open event device: %w", lastErr)
}

func (s *realEventSource) Poll(ctx context.Context) (ditctl.OffloadEvent, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN | unix.POLLHUP}}
	for {
		if err := ctx.Err(); err != nil {
			return ditctl.OffloadEvent{}, err
		}

		n, err := unix.Poll(fds, eventPollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return ditctl.OffloadEvent{}, fmt.Errorf("control: poll event device: %w", err)
		}
		if n == 0 {
			continue // timeout, re-check ctx
		}
		if fds[0].Revents&unix.POLLHUP != 0 {
			return ditctl.OffloadEvent{}, fmt.Errorf("control: event device hung up")
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		buf := make([]byte, 4)
		if _, err := unix.Read(s.fd, buf); err != nil {
			return ditctl.OffloadEvent{}, fmt.Errorf("control: read event: %w", err)
		}
		return ditctl.OffloadEvent{Num: int32(binary.LittleEndian.Uint32(buf))}, nil
	}
}

func (s *realEventSource) Close() error {
	return unix.Close(s.fd)
}
