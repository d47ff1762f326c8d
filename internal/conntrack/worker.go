package conntrack

import (
	"context"
	"log/slog"

	"ditctl/internal/ioctlgw"
)

// portBigEndianCapMask mirrors the root package's HwCapability bit for
// DIT_CAP_MASK_PORT_BIG_ENDIAN. Duplicated here (rather than imported) to
// keep the dependency arrow pointing root -> internal/conntrack, never the
// reverse.
const portBigEndianCapMask = 0x1

// StartWorker launches the event loop for family and returns once the
// Source is open. The returned channel closes when the loop exits
// (ctx cancelled or the Source's error channel fired), letting the
// control package's worker registry clear its "created" bit. Re-calling
// with a family already running is a caller error — the registry is
// what enforces the "created" idempotence the original relies on.
func (m *Manager) StartWorker(ctx context.Context, family Family) (<-chan struct{}, error) {
	m.mu.Lock()
	fd := m.fds[family]
	m.mu.Unlock()

	src, err := m.newSrc(family, fd)
	if err != nil {
		return nil, err
	}

	events, errs := src.Events(ctx)
	done := make(chan struct{})
	go m.runWorker(ctx, family, src, events, errs, done)
	return done, nil
}

func (m *Manager) runWorker(ctx context.Context, family Family, src Source, events <-chan RawEvent, errs <-chan error, done chan<- struct{}) {
	defer close(done)
	defer src.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil && ctx.Err() == nil {
				slog.Error("conntrack: worker event stream error", "family", family, "err", err)
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		}
	}
}

// handleEvent turns one RawEvent into an enable/disable decision and
// applies it. TCP FIN-WAIT tears the rule down immediately rather than
// waiting for DESTROY, matching the original's early-release behavior.
// A non-DESTROY TCP event in any state other than ESTABLISHED or
// FIN-WAIT (or without a TCP state) is ignored.
func (m *Manager) handleEvent(ev RawEvent) {
	enable := ev.Kind != EventDestroy
	if ev.Family == FamilyTCP && enable {
		if !ev.HasTCPState {
			return
		}
		switch ev.TCPState {
		case TCPStateEstablished:
		case TCPStateFinWait:
			enable = false
		default:
			return
		}
	}
	m.setLocalAddrPort(ev, enable)
}

// setLocalAddrPort is the core per-flow rule installer (spec §4.3 steps
// 1-4): filter gating, dst_ring lookup, address-slot allocation with
// eviction, and port-rule composition. The address-table lock is held
// across the SET_NAT_LOCAL_ADDR ioctl (the slot must be stable on the
// wire before any port rule can reference it) and released before
// SET_NAT_LOCAL_PORT, which only touches the independent port table.
func (m *Manager) setLocalAddrPort(ev RawEvent, enable bool) {
	m.mu.Lock()
	if !m.filter.attachedFor(ev.Family) {
		m.mu.Unlock()
		return
	}
	if commonIgnored(ev) {
		m.mu.Unlock()
		return
	}
	if m.upstream == nil || ev.ReplDst != *m.upstream {
		m.mu.Unlock()
		return
	}
	if m.filter.isLocalOnly(ev.OrigSrc, ev.ReplDst) {
		m.mu.Unlock()
		return
	}
	control := m.control
	m.mu.Unlock()

	if control == nil {
		return
	}
	if ev.ReplPortDst == 0 || ev.OrigPortSrc == 0 {
		return
	}

	origU32 := addrToU32(ev.OrigSrc)
	if origU32 == 0 {
		return
	}
	dstRing := control.GetDownstreamDstRing(origU32)
	if dstRing < 0 {
		return
	}

	bigEndianPorts := control.HwCapaMatched(portBigEndianCapMask)

	if !enable {
		m.disablePortRule(ev, origU32, dstRing, bigEndianPorts)
		return
	}

	m.mu.Lock()
	slot := m.addrs.getOrCreate(ev.OrigSrc)
	if !slot.validIndex {
		index, evictSlot := m.addrs.nextIndex()
		if evictSlot != nil {
			m.evictSlotLocked(evictSlot)
		}
		m.addrs.install(slot, index)
	}

	if !slot.occupied {
		if !slot.validDevAddr {
			m.mu.Unlock()
			return
		}
		addrArg := ioctlgw.NatLocalAddr{
			Index:   uint16(slot.index),
			DstRing: uint8(dstRing),
			Addr:    origU32,
			DevAddr: slot.mac,
		}
		if err := m.gateway.Invoke(ioctlgw.CmdSetNatLocalAddr, addrArg.Marshal()); err != nil {
			m.mu.Unlock()
			slog.Warn("conntrack: set nat local addr failed", "addr", ev.OrigSrc, "err", err)
			return
		}
		slot.occupied = true
	}
	index := slot.index
	m.mu.Unlock()

	replyPort := ev.ReplPortDst
	originPort := ev.OrigPortSrc
	if bigEndianPorts {
		replyPort = swap16(replyPort)
		originPort = swap16(originPort)
	}
	portKey := ioctlgw.PortTableIndex(ev.ReplPortDst)
	replyH := ioctlgw.PortHighBits(replyPort)

	hwVal := ioctlgw.PackPortHwVal(true, replyH, originPort, uint8(index), uint8(dstRing), ev.Family == FamilyUDP)

	m.mu.Lock()
	m.ports.set(portKey, portEntry{localAddr: origU32, hwVal: hwVal})
	m.mu.Unlock()

	portArg := ioctlgw.NatLocalPort{ReplyPortDstL: portKey, HwVal: hwVal}
	if err := m.gateway.Invoke(ioctlgw.CmdSetNatLocalPort, portArg.Marshal()); err != nil {
		slog.Warn("conntrack: set nat local port failed", "port", ev.ReplPortDst, "err", err)
	}
}

// disablePortRule clears the single port-table row this flow owns,
// leaving the address slot resident for the client's other flows. The
// row is cleared only if its stored value, ignoring the enable bit,
// equals the value this flow's tuple composes to.
func (m *Manager) disablePortRule(ev RawEvent, origU32 uint32, dstRing int, bigEndianPorts bool) {
	portKey := ioctlgw.PortTableIndex(ev.ReplPortDst)
	replyPort, originPort := ev.ReplPortDst, ev.OrigPortSrc
	if bigEndianPorts {
		replyPort, originPort = swap16(replyPort), swap16(originPort)
	}

	m.mu.Lock()
	entry, ok := m.ports.get(portKey)
	slot, hasSlot := m.addrs.lookup(ev.OrigSrc)
	if !ok || !hasSlot || !slot.validIndex || entry.localAddr != origU32 {
		m.mu.Unlock()
		return
	}
	want := ioctlgw.PackPortHwVal(false, ioctlgw.PortHighBits(replyPort), originPort, uint8(slot.index), uint8(dstRing), ev.Family == FamilyUDP)
	if entry.hwVal&ioctlgw.HwValIgnoreEnableMask != want&ioctlgw.HwValIgnoreEnableMask {
		m.mu.Unlock()
		return
	}
	m.ports.delete(portKey)
	m.mu.Unlock()

	arg := ioctlgw.NatLocalPort{ReplyPortDstL: portKey, HwVal: 0}
	if err := m.gateway.Invoke(ioctlgw.CmdSetNatLocalPort, arg.Marshal()); err != nil {
		slog.Warn("conntrack: disable nat local port failed", "port", ev.ReplPortDst, "err", err)
	}
}

// evictSlotLocked clears every port entry owned by the slot being
// reclaimed, then the address slot itself, before its index is reused
// for a new address. Caller holds m.mu.
func (m *Manager) evictSlotLocked(slot *localAddrSlot) {
	addrU32 := addrToU32(slot.addr)
	removed := m.ports.removeForAddr(addrU32)
	for key := range removed {
		arg := ioctlgw.NatLocalPort{ReplyPortDstL: key, HwVal: 0}
		if err := m.gateway.Invoke(ioctlgw.CmdSetNatLocalPort, arg.Marshal()); err != nil {
			slog.Warn("conntrack: evict port rule failed", "key", key, "err", err)
		}
	}
	if slot.occupied {
		m.clearAddrSlot(slot.index)
	}
	delete(m.addrs.byAddr, slot.addr)
	m.addrs.bySlot[slot.index] = nil
}

func swap16(v uint16) uint16 {
	return (v >> 8) | (v << 8)
}
