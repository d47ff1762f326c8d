package ioctlgw

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDevices is the accelerator's device candidate list, in priority
// order. Extensible by config (see SPEC_FULL §10).
var DefaultDevices = []string{"/dev/dit2"}

// ErrDeviceUnavailable means no candidate device path could be opened.
type ErrDeviceUnavailable struct{ Candidates []string }

func (e *ErrDeviceUnavailable) Error() string {
	return fmt.Sprintf("ioctlgw: no candidate device available: %v", e.Candidates)
}

// ErrIoctlFailed means the device opened but the kernel rejected the command.
type ErrIoctlFailed struct {
	Cmd Command
	Err error
}

func (e *ErrIoctlFailed) Error() string {
	return fmt.Sprintf("ioctlgw: ioctl 0x%x failed: %v", uintptr(e.Cmd), e.Err)
}
func (e *ErrIoctlFailed) Unwrap() error { return e.Err }

// Gateway opens the accelerator character device, issues one ioctl, and
// closes it. Every call is stateless except for which candidate device
// path succeeded last time — that path is remembered and tried first on
// subsequent calls.
type Gateway struct {
	mu        sync.Mutex
	devices   []string
	selected  string
	openFunc  func(string) (int, error)
	closeFunc func(int) error
	ioctlFunc func(fd int, cmd Command, arg []byte) error
}

// New returns a Gateway trying devices in order on each call.
func New(devices []string) *Gateway {
	if len(devices) == 0 {
		devices = DefaultDevices
	}
	return &Gateway{
		devices:   devices,
		openFunc:  func(path string) (int, error) { return unix.Open(path, unix.O_RDWR, 0) },
		closeFunc: unix.Close,
		ioctlFunc: rawIoctl,
	}
}

// NewWithFuncs returns a Gateway with injected open/close/ioctl
// functions, for use by tests outside this package that need to fake the
// device without a real character device present.
func NewWithFuncs(devices []string, open func(string) (int, error), closeFn func(int) error, ioctl func(fd int, cmd Command, arg []byte) error) *Gateway {
	if len(devices) == 0 {
		devices = DefaultDevices
	}
	return &Gateway{devices: devices, openFunc: open, closeFunc: closeFn, ioctlFunc: ioctl}
}

// Invoke opens a device, issues cmd with arg, closes the device. arg is
// mutated in place for read/read-write commands. A candidate that fails
// to open is skipped in favour of the next one; an ioctl failure is
// reported immediately, with no retry.
func (g *Gateway) Invoke(cmd Command, arg []byte) error {
	g.mu.Lock()
	candidates := g.devices
	if g.selected != "" {
		candidates = append([]string{g.selected}, removeString(g.devices, g.selected)...)
	}
	g.mu.Unlock()

	var lastOpenErr error
	for _, path := range candidates {
		fd, err := g.openFunc(path)
		if err != nil {
			lastOpenErr = err
			continue
		}

		g.mu.Lock()
		g.selected = path
		g.mu.Unlock()

		ioctlErr := g.ioctlFunc(fd, cmd, arg)
		if cerr := g.closeFunc(fd); cerr != nil {
			slog.Warn("ioctlgw: close device failed", "device", path, "err", cerr)
		}
		if ioctlErr != nil {
			return &ErrIoctlFailed{Cmd: cmd, Err: ioctlErr}
		}
		return nil
	}
	_ = lastOpenErr
	return &ErrDeviceUnavailable{Candidates: candidates}
}

func rawIoctl(fd int, cmd Command, arg []byte) error {
	var ptr unsafe.Pointer
	if len(arg) > 0 {
		ptr = unsafe.Pointer(&arg[0])
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}

func removeString(in []string, remove string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != remove {
			out = append(out, s)
		}
	}
	return out
}
