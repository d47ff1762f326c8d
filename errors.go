package ditctl

import "fmt"

// Reason is a taxonomy tag for a control-plane failure. Every public
// operation that can fail surfaces one of these through a *ControlError.
type Reason string

const (
	NotInitialized    Reason = "not_initialized"
	AlreadyInitialized Reason = "already_initialized"
	InvalidArgument    Reason = "invalid_argument"
	NoResource         Reason = "no_resource"
	DeviceUnavailable  Reason = "device_unavailable"
	IoctlFailed        Reason = "ioctl_failed"
	StatLookupFailed   Reason = "stat_lookup_failed"
)

// ControlError is the error type returned by every Offload Control
// operation. Callers compare against the Reason, not the message text —
// message text is for logs and the caller's human-readable callback arg.
type ControlError struct {
	Reason  Reason
	Message string
}

func (e *ControlError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Is makes ControlError comparable by Reason via errors.Is, so callers can
// write errors.Is(err, &ditctl.ControlError{Reason: ditctl.NotInitialized}).
func (e *ControlError) Is(target error) bool {
	t, ok := target.(*ControlError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

func newErr(reason Reason, format string, args ...any) *ControlError {
	return &ControlError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NewControlError is newErr's exported form, for use by subpackages
// (internal/control) that construct ControlError values on behalf of
// Offload Control operations but live outside this package.
func NewControlError(reason Reason, format string, args ...any) *ControlError {
	return newErr(reason, format, args...)
}
