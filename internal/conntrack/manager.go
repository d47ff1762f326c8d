package conntrack

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"ditctl/internal/ioctlgw"
)

// Capability is provided by Offload Control to the Conntrack Manager at
// session start, avoiding a hard-owning cycle between the two: the
// manager holds a non-owning reference it never outlives.
type Capability interface {
	GetDownstreamDstRing(addrh uint32) int
	HwCapaMatched(mask uint32) bool
}

// SourceFactory opens a Source for one family and fd. Overridable in
// tests; the production default is backed by github.com/ti-mo/conntrack.
type SourceFactory func(family Family, fd int) (Source, error)

func defaultSourceFactory(family Family, fd int) (Source, error) {
	return newTiMoSource(family, fd)
}

// Manager is the Conntrack Manager singleton.
type Manager struct {
	gateway *ioctlgw.Gateway
	newSrc  SourceFactory

	mu      sync.Mutex // mCallbackLock equivalent
	filter  *filterState
	addrs   *addrTable
	ports   *portTable
	upstream *netip.Addr

	control Capability

	fds [2]int // index by Family

	workersMu sync.Mutex
	cancels   [2]context.CancelFunc
}

var (
	instanceMu sync.Mutex
	instance   *Manager
)

// GetInstance lazily creates the process-wide singleton on first call and
// returns it thereafter, matching the original's getInstance discipline:
// the manager is reset in place, never destroyed.
func GetInstance(gateway *ioctlgw.Gateway) *Manager {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = newManager(gateway, defaultSourceFactory)
	}
	return instance
}

// resetInstanceForTest drops the singleton so tests can start clean. Only
// called from this package's own tests.
func resetInstanceForTest() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}

func newManager(gateway *ioctlgw.Gateway, newSrc SourceFactory) *Manager {
	return &Manager{
		gateway: gateway,
		newSrc:  newSrc,
		filter:  newFilterState(),
		addrs:   newAddrTable(),
		ports:   newPortTable(),
	}
}

// BindControl attaches the capability interface the manager calls back
// into for dst_ring lookup and capability checks. Cleared by ResetValues.
func (m *Manager) BindControl(c Capability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control = c
}

// SetConntrackFd records the session fd for family (bookkeeping only —
// see source.go) and is a prerequisite for StartWorker.
func (m *Manager) SetConntrackFd(family Family, fd int) error {
	if fd < 0 {
		return fmt.Errorf("conntrack: invalid fd %d for family %s", fd, family)
	}
	m.mu.Lock()
	m.fds[family] = fd
	m.mu.Unlock()
	return nil
}

// SetUpstreamIpv4Addr rebuilds the upstream matcher. An empty addr
// destroys it, causing every subsequent callback to fast-reject.
func (m *Manager) SetUpstreamIpv4Addr(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr == "" {
		m.upstream = nil
		return nil
	}
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("conntrack: parse upstream addr %q: %w", addr, err)
	}
	m.upstream = &parsed
	return nil
}

// DetachFilters detaches both family filters; if recreate, fresh empty
// filter state is prepared so the caller can re-accumulate prefixes.
func (m *Manager) DetachFilters(recreate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter.detach(recreate)
}

// AddLocalPrefixFilterAttr appends addr/netmaskBits as a local (negative)
// prefix predicate evaluated by isLocalOnly.
func (m *Manager) AddLocalPrefixFilterAttr(prefix netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter.addLocalPrefix(prefix)
}

// AttachFilters marks both family filters attached, enabling callbacks to
// act on events again.
func (m *Manager) AttachFilters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter.attach()
}

// SetLocalDevAddr records (or clears) the MAC address learned for addrh
// via the Netlink Manager. It does not itself touch hardware.
func (m *Manager) SetLocalDevAddr(valid bool, addr netip.Addr, mac [6]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.addrs.getOrCreate(addr)
	slot.validDevAddr = valid
	if valid {
		slot.mac = mac
	}
}

// RemoveDownstreamLocalAddr evicts every resident address inside
// subnet/prefixBits, cascading through the port table first.
func (m *Manager) RemoveDownstreamLocalAddr(subnet netip.Addr, prefixBits uint8) {
	m.mu.Lock()
	matches := m.addrs.matching(subnet, prefixBits)
	m.mu.Unlock()

	for _, addr := range matches {
		m.evictAddr(addr)
	}
}

// ResetValues detaches filters (without recreating), destroys the
// upstream matcher, and clears both hardware tables. The rolling slot
// allocation cursor is carried over. Singletons and workers are left
// running — see stopOffload semantics in SPEC_FULL §3.
func (m *Manager) ResetValues() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.filter.detach(false)
	m.upstream = nil
	cursor := m.addrs.cursor
	m.addrs = newAddrTable()
	m.addrs.cursor = cursor
	m.ports = newPortTable()
	m.control = nil
}

// evictAddr clears every port entry referencing addr, then the address
// slot itself, issuing the matching ioctls. Per-entry ioctl failures are
// logged but never halt the walk.
func (m *Manager) evictAddr(addr netip.Addr) {
	m.mu.Lock()
	slot, ok := m.addrs.lookup(addr)
	if !ok {
		m.mu.Unlock()
		return
	}
	addrU32 := addrToU32(addr)
	removed := m.ports.removeForAddr(addrU32)
	index := slot.index
	hadIndex := slot.validIndex
	m.addrs.remove(addr)
	m.mu.Unlock()

	for key := range removed {
		m.clearPortRule(key)
	}
	if hadIndex {
		m.clearAddrSlot(index)
	}
}

func (m *Manager) clearPortRule(key uint16) {
	arg := ioctlgw.NatLocalPort{ReplyPortDstL: key, HwVal: 0}
	if err := m.gateway.Invoke(ioctlgw.CmdSetNatLocalPort, arg.Marshal()); err != nil {
		slog.Warn("conntrack: clear port rule failed", "key", key, "err", err)
	}
}

func (m *Manager) clearAddrSlot(index int) {
	arg := ioctlgw.NatLocalAddr{Index: uint16(index)}
	if err := m.gateway.Invoke(ioctlgw.CmdSetNatLocalAddr, arg.Marshal()); err != nil {
		slog.Warn("conntrack: clear address slot failed", "index", index, "err", err)
	}
}
