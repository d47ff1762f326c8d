// Package control implements the Offload Control front-facing state
// machine: the only component callers talk to directly. It validates
// requests, drives the Ioctl Gateway, and wires the Conntrack and
// Netlink Managers together.
package control

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"ditctl"
	"ditctl/internal/conntrack"
	"ditctl/internal/ioctlgw"
	"ditctl/internal/netlinkmgr"
)

// ConntrackManager is the subset of *conntrack.Manager's surface the
// control package drives. Declared here (rather than as the concrete
// type) so tests can substitute a fake without a real conntrack
// environment; *conntrack.Manager satisfies it structurally.
type ConntrackManager interface {
	BindControl(c conntrack.Capability)
	SetUpstreamIpv4Addr(addr string) error
	DetachFilters(recreate bool)
	AddLocalPrefixFilterAttr(prefix netip.Prefix)
	AttachFilters()
	RemoveDownstreamLocalAddr(subnet netip.Addr, prefixBits uint8)
	ResetValues()
	StartWorker(ctx context.Context, family conntrack.Family) (<-chan struct{}, error)
	SetLocalDevAddr(valid bool, addr netip.Addr, mac [6]byte)
}

// NetlinkManager is the subset of *netlinkmgr.Manager's surface the
// control package drives.
type NetlinkManager interface {
	BindSink(sink netlinkmgr.DevAddrSink)
	Snapshot() error
	StartWorker(ctx context.Context) (<-chan struct{}, error)
}

// Config carries the Offload Control's static dependencies.
type Config struct {
	Gateway   *ioctlgw.Gateway
	Conntrack ConntrackManager
	Netlink   NetlinkManager

	// EventDevices overrides the event-poll device candidate list.
	// Defaults to ioctlgw.DefaultDevices.
	EventDevices []string

	// EventSource overrides event-poll entirely, for tests.
	EventSource EventSource
}

// Control is the Offload Control singleton-per-session state machine.
// Unlike the Conntrack/Netlink Managers it is not itself a process
// singleton — the caller owns its lifetime — but it hands the Conntrack
// Manager a non-owning Capability handle for the duration of a session
// (cleared by its ResetValues on stopOffload) and binds itself as the
// Netlink Manager's DevAddrSink, which stopOffload leaves in place.
type Control struct {
	gateway   *ioctlgw.Gateway
	conntrack ConntrackManager
	netlink   NetlinkManager

	mu          sync.Mutex
	initialized bool
	cb          ditctl.EventCallback
	upstream    ditctl.UpstreamInfo
	downstreams map[string]ditctl.DownstreamEntry
	hwInfo      ditctl.HwInfo

	registry *workerRegistry

	eventDevices []string
	eventSource  EventSource // overridden by tests; built lazily otherwise
}

// New constructs a Control bound to its dependencies. It does not touch
// hardware until initOffload is called.
func New(cfg Config) *Control {
	devices := cfg.EventDevices
	if len(devices) == 0 {
		devices = ioctlgw.DefaultDevices
	}
	return &Control{
		gateway:      cfg.Gateway,
		conntrack:    cfg.Conntrack,
		netlink:      cfg.Netlink,
		downstreams:  make(map[string]ditctl.DownstreamEntry),
		registry:     newWorkerRegistry(),
		eventDevices: devices,
		eventSource:  cfg.EventSource,
	}
}

func (c *Control) requireInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ditctl.NewControlError(ditctl.NotInitialized, "")
	}
	return nil
}

// InitOffload brings the session up: fetches HwInfo, enables hardware
// forwarding, and starts all four workers (idempotently — a worker
// already `created` from a prior session is left running).
func (c *Control) InitOffload(ctx context.Context, cb ditctl.EventCallback) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return ditctl.NewControlError(ditctl.AlreadyInitialized, "")
	}
	c.mu.Unlock()

	var hw ioctlgw.HwInfo
	hwBuf := make([]byte, 8)
	if err := c.gateway.Invoke(ioctlgw.CmdGetHwInfo, hwBuf); err != nil {
		return ditctl.NewControlError(ditctl.IoctlFailed, "get hw info: %v", err)
	}
	hw.Unmarshal(hwBuf)

	if err := c.gateway.Invoke(ioctlgw.CmdInitOffload, nil); err != nil {
		return ditctl.NewControlError(ditctl.IoctlFailed, "init offload: %v", err)
	}

	c.mu.Lock()
	c.hwInfo = ditctl.HwInfo{Version: hw.Version, Capabilities: hw.Capabilities}
	c.cb = cb
	c.initialized = true
	c.mu.Unlock()

	c.conntrack.BindControl(c)
	c.netlink.BindSink(c)

	if err := c.netlink.Snapshot(); err != nil {
		slog.Warn("control: initial neighbour snapshot failed", "err", err)
	}

	c.registry.start(ctx, ditctl.WorkerEvent, func(wctx context.Context) (<-chan struct{}, error) {
		return c.startEventWorker(wctx)
	})
	c.registry.start(ctx, ditctl.WorkerConntrackUDP, func(wctx context.Context) (<-chan struct{}, error) {
		return c.conntrack.StartWorker(wctx, conntrack.FamilyUDP)
	})
	c.registry.start(ctx, ditctl.WorkerConntrackTCP, func(wctx context.Context) (<-chan struct{}, error) {
		return c.conntrack.StartWorker(wctx, conntrack.FamilyTCP)
	})
	c.registry.start(ctx, ditctl.WorkerNetlink, func(wctx context.Context) (<-chan struct{}, error) {
		return c.netlink.StartWorker(wctx)
	})

	return nil
}

// StopOffload issues STOP_OFFLOAD and resets Control's and the
// Conntrack Manager's state in place. Workers and singletons survive.
func (c *Control) StopOffload() error {
	if err := c.requireInitialized(); err != nil {
		return err
	}

	ioctlErr := c.gateway.Invoke(ioctlgw.CmdStopOffload, nil)

	c.mu.Lock()
	c.upstream.Clear()
	c.downstreams = make(map[string]ditctl.DownstreamEntry)
	c.cb = nil
	c.initialized = false
	c.mu.Unlock()

	c.conntrack.ResetValues()

	if ioctlErr != nil {
		return ditctl.NewControlError(ditctl.IoctlFailed, "stop offload: %v", ioctlErr)
	}
	return nil
}

// SetLocalPrefixes rebuilds the IPv4 conntrack filters from prefixes.
// IPv6 entries are accepted and counted as skipped.
func (c *Control) SetLocalPrefixes(prefixes []string) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if len(prefixes) == 0 {
		return ditctl.NewControlError(ditctl.InvalidArgument, "at least one prefix is required")
	}

	parsed := make([]parsedPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		pp, err := parsePrefix(p)
		if err != nil {
			return err
		}
		parsed = append(parsed, pp)
	}

	c.conntrack.DetachFilters(true)
	skipped := 0
	for _, pp := range parsed {
		if pp.IsV6 {
			skipped++
			continue
		}
		c.conntrack.AddLocalPrefixFilterAttr(pp.Prefix)
	}
	c.conntrack.AttachFilters()

	if skipped > 0 {
		slog.Info("control: skipped ipv6 prefixes in local-prefix filter", "count", skipped)
	}
	return nil
}

// GetForwardedStats returns (rxDiff, txDiff) for iface, or (0, 0) on
// ioctl failure.
func (c *Control) GetForwardedStats(iface string) (uint64, uint64, error) {
	if err := c.requireInitialized(); err != nil {
		return 0, 0, err
	}
	arg := ioctlgw.ForwardStats{Iface: iface}
	buf := arg.Marshal()
	if err := c.gateway.Invoke(ioctlgw.CmdGetForwardStats, buf); err != nil {
		return 0, 0, ditctl.NewControlError(ditctl.StatLookupFailed, "get forward stats for %q: %v", iface, err)
	}
	var out ioctlgw.ForwardStats
	out.Unmarshal(buf)
	return out.RxDiff, out.TxDiff, nil
}

// SetDataLimit programs a single data cap for iface.
func (c *Control) SetDataLimit(iface string, limit uint64) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if err := c.validateIfaceArg(iface); err != nil {
		return err
	}
	arg := ioctlgw.ForwardStats{Iface: iface, DataLimit: limit}
	if err := c.gateway.Invoke(ioctlgw.CmdSetDataLimit, arg.Marshal()); err != nil {
		return ditctl.NewControlError(ditctl.IoctlFailed, "set data limit for %q: %v", iface, err)
	}
	return nil
}

// SetDataWarningAndLimit programs both a warning threshold and a hard
// cap (the v1.1 ioctl).
func (c *Control) SetDataWarningAndLimit(iface string, warn, limit uint64) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if err := c.validateIfaceArg(iface); err != nil {
		return err
	}
	arg := ioctlgw.ForwardLimit{Iface: iface, DataWarning: warn, DataLimit: limit}
	if err := c.gateway.Invoke(ioctlgw.CmdSetDataWarningLimit, arg.Marshal()); err != nil {
		return ditctl.NewControlError(ditctl.IoctlFailed, "set data warning/limit for %q: %v", iface, err)
	}
	return nil
}

func (c *Control) validateIfaceArg(iface string) error {
	if iface == "" {
		return ditctl.NewControlError(ditctl.InvalidArgument, "interface name is required")
	}
	if !validDownstreamIface(iface) {
		return ditctl.NewControlError(ditctl.InvalidArgument, "interface %q does not exist and does not match the VTS pattern", iface)
	}
	return nil
}

// UpstreamResult reports the outcome of SetUpstreamParameters, which —
// unlike the other operations — can succeed with an advisory message
// (the "stop due to ipv6 only" case).
type UpstreamResult struct {
	OK      bool
	Message string
}

// SetUpstreamParameters implements the state table in spec §4.5. An
// empty iface, or a non-empty iface with no IPv4 address and no IPv6
// gateways, always clears the upstream binding. A non-empty iface with
// no IPv4 address but at least one IPv6 gateway clears the binding too
// (IPv4 NAT acceleration has nothing to program) but reports success
// with an advisory reason rather than failure.
func (c *Control) SetUpstreamParameters(iface, v4Addr, v4Gw string, v6Gws []string) (UpstreamResult, error) {
	if err := c.requireInitialized(); err != nil {
		return UpstreamResult{}, err
	}

	if iface != "" && v4Addr != "" {
		if !validUpstreamIface(iface) {
			return UpstreamResult{}, ditctl.NewControlError(ditctl.InvalidArgument, "interface %q does not match the upstream pattern", iface)
		}
		arg := ioctlgw.IfaceInfo{Iface: iface}
		if err := c.gateway.Invoke(ioctlgw.CmdSetUpstreamParam, arg.Marshal()); err != nil {
			return UpstreamResult{}, ditctl.NewControlError(ditctl.IoctlFailed, "set upstream param: %v", err)
		}
		if err := c.conntrack.SetUpstreamIpv4Addr(v4Addr); err != nil {
			return UpstreamResult{}, ditctl.NewControlError(ditctl.InvalidArgument, "%v", err)
		}

		c.mu.Lock()
		c.upstream = ditctl.UpstreamInfo{Iface: iface, V4Addr: v4Addr, V4Gw: v4Gw, V6Gws: v6Gws}
		c.mu.Unlock()

		return UpstreamResult{OK: true}, nil
	}

	// Clearing path: empty iface, or iface with no v4 addr.
	clearArg := ioctlgw.IfaceInfo{}
	clearErr := c.gateway.Invoke(ioctlgw.CmdSetUpstreamParam, clearArg.Marshal())

	if err := c.conntrack.SetUpstreamIpv4Addr(""); err != nil {
		slog.Warn("control: clear upstream matcher failed", "err", err)
	}
	c.conntrack.DetachFilters(false)

	c.mu.Lock()
	c.upstream.Clear()
	c.mu.Unlock()

	if clearErr != nil {
		return UpstreamResult{}, ditctl.NewControlError(ditctl.IoctlFailed, "clear upstream param: %v", clearErr)
	}

	if iface != "" && len(v6Gws) > 0 {
		return UpstreamResult{OK: true, Message: "stop offload due to ipv6 only"}, nil
	}
	return UpstreamResult{OK: false, Message: "stop offload due to upstream null param"}, nil
}

// AddDownstream accepts an IPv4 downstream subnet, replacing any prior
// entry keyed by iface. IPv6 prefixes are accepted and skipped.
func (c *Control) AddDownstream(iface, prefix string) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if iface == "" {
		return ditctl.NewControlError(ditctl.InvalidArgument, "interface name is required")
	}
	if !validDownstreamIface(iface) {
		return ditctl.NewControlError(ditctl.InvalidArgument, "interface %q does not exist and does not match the VTS pattern", iface)
	}
	pp, err := parsePrefix(prefix)
	if err != nil {
		return err
	}
	if pp.IsV6 {
		return nil
	}

	c.mu.Lock()
	delete(c.downstreams, iface)
	c.mu.Unlock()

	arg := ioctlgw.IfaceInfo{Iface: iface}
	buf := arg.Marshal()
	if err := c.gateway.Invoke(ioctlgw.CmdAddDownstream, buf); err != nil {
		return ditctl.NewControlError(ditctl.IoctlFailed, "add downstream %q: %v", iface, err)
	}
	var out ioctlgw.IfaceInfo
	out.Unmarshal(buf)

	entry := ditctl.DownstreamEntry{
		Iface:   iface,
		V4Addr:  ditctl.AddrToUint32(pp.Prefix.Addr()),
		V4Mask:  uint8(pp.Prefix.Bits()),
		DstRing: out.DstRing,
	}
	c.mu.Lock()
	c.downstreams[iface] = entry
	c.mu.Unlock()
	return nil
}

// RemoveDownstream reverses AddDownstream: it tears down any resident
// hardware state for the subnet before releasing it at the driver.
func (c *Control) RemoveDownstream(iface, prefix string) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	pp, err := parsePrefix(prefix)
	if err != nil {
		return err
	}
	if pp.IsV6 {
		return nil
	}

	c.mu.Lock()
	entry, ok := c.downstreams[iface]
	if ok {
		delete(c.downstreams, iface)
	}
	c.mu.Unlock()

	if !ok {
		return ditctl.NewControlError(ditctl.InvalidArgument, "downstream %q was never added", iface)
	}

	c.conntrack.RemoveDownstreamLocalAddr(ditctl.Uint32ToAddr(entry.V4Addr), entry.V4Mask)

	arg := ioctlgw.IfaceInfo{Iface: iface}
	if err := c.gateway.Invoke(ioctlgw.CmdRemoveDownstream, arg.Marshal()); err != nil {
		return ditctl.NewControlError(ditctl.IoctlFailed, "remove downstream %q: %v", iface, err)
	}
	return nil
}

// GetDownstreamDstRing implements the ConntrackManager Capability
// contract: addrh is a host-order IPv4 address; returns -1 if it does
// not fall within any registered downstream subnet.
func (c *Control) GetDownstreamDstRing(addrh uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.downstreams {
		if d.Contains(addrh) {
			return int(d.DstRing)
		}
	}
	return -1
}

// HwCapaMatched implements the ConntrackManager Capability contract.
func (c *Control) HwCapaMatched(mask uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hwInfo.Has(ditctl.HwCapability(mask))
}

// SetLocalDevAddr implements the NetlinkManager DevAddrSink contract by
// forwarding straight through to the Conntrack Manager; Control itself
// holds no device-address state.
func (c *Control) SetLocalDevAddr(valid bool, addr netip.Addr, mac [6]byte) {
	c.conntrack.SetLocalDevAddr(valid, addr, mac)
}

func (c *Control) startEventWorker(ctx context.Context) (<-chan struct{}, error) {
	src := c.eventSource
	if src == nil {
		var err error
		src, err = newRealEventSource(c.eventDevices)
		if err != nil {
			return nil, err
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer src.Close()
		c.runEventLoop(ctx, src)
	}()
	return done, nil
}

// runEventLoop polls the primary device for offload_event records.
// InternalOffloadStopped is consumed silently; everything else is
// forwarded to the caller's callback.
func (c *Control) runEventLoop(ctx context.Context, src EventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, err := src.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("control: event poll failed", "err", err)
			}
			return
		}
		if ev.Num == ditctl.InternalOffloadStopped {
			continue
		}

		c.mu.Lock()
		cb := c.cb
		c.mu.Unlock()
		if cb != nil {
			cb.OnEvent(ev)
		}
	}
}
