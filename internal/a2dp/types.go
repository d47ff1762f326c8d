// Package a2dp is a small facade over the Bluetooth A2DP hardware
// offload handshake: session setup, start/stop/suspend stream commands,
// and the asynchronous acknowledgement protocol the host interface
// drives back through. It ships in the same control binary as the
// tether offload daemon but is an unrelated collaborator — nothing in
// internal/control calls into this package.
package a2dp

import (
	"errors"
	"time"
)

// CodecType is one of the two encoder configurations the offload path
// supports.
type CodecType int

const (
	CodecSBC CodecType = iota
	CodecAPTX
)

// Status is the acknowledgement status reported back by the host
// interface for a start/suspend command.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusPending
)

// ErrUnsupportedCodec is returned by SessionStart for any codec type
// other than SBC or APTX.
var ErrUnsupportedCodec = errors.New("a2dp: unsupported codec configuration")

// ErrAckTimeout is returned when a start/suspend acknowledgement never
// arrives within the wait window (including the single extra wait
// granted on a Pending status).
var ErrAckTimeout = errors.New("a2dp: acknowledgement timed out")

// ErrAckFailed is returned when the acknowledgement that resolves the
// wait carries a status other than Success — in practice a second
// Pending after the extra wait. A Failure status never reaches the
// waiter: Ack retries the pending command instead.
var ErrAckFailed = errors.New("a2dp: acknowledgement reported failure")

// waitNormalAck bounds how long StartStream/SuspendStream wait for an
// Ack before giving up; a Pending ack re-arms this exactly once.
const waitNormalAck = 6 * time.Second

// retryDelay is how long Ack sleeps before retrying the host command
// after a Failure status, matching the original's usleep(10000).
const retryDelay = 10 * time.Millisecond

// HostInterface is the Bluetooth stack's callback surface a Session
// drives commands through.
type HostInterface interface {
	StartStream() error
	StopStream() error
	SuspendStream() error
}

// SBCParams are the already-decoded SBC encoder parameters a caller
// resolved from the original A2DP codec-specific information.
type SBCParams struct {
	Subband      uint32
	BlockLength  uint32
	Bitrate      uint32
	SamplingRate uint16
	Channels     uint8
	Alloc        uint8
	MinBitpool   uint8
	MaxBitpool   uint8
}

// AptxParams are the decoded APTX encoder parameters.
type AptxParams struct {
	Bitrate      uint32
	SamplingRate uint16
	Channels     uint8
}

// CodecConfiguration is the argument to SessionStart: the negotiated
// codec type plus its type-specific parameters.
type CodecConfiguration struct {
	Type CodecType
	SBC  SBCParams
	Aptx AptxParams
}
