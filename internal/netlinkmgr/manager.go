// Package netlinkmgr is the Netlink Manager: a process-wide singleton
// that watches kernel IPv4 neighbour (ARP) table changes and forwards
// the resolved MAC address for each downstream client to the Conntrack
// Manager, which needs it to populate the hardware address table's
// dev_addr field.
package netlinkmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"
)

// DevAddrSink receives learned (or invalidated) neighbour MAC addresses.
// Implemented by the Conntrack Manager; kept as a narrow interface here
// so this package never imports internal/conntrack directly.
type DevAddrSink interface {
	SetLocalDevAddr(valid bool, addr netip.Addr, mac [6]byte)
}

// NeighSource abstracts the vishvananda/netlink subscription surface so
// tests can substitute a fake without a real netlink socket.
type NeighSource interface {
	List() ([]netlink.Neigh, error)
	Subscribe(ctx context.Context) (<-chan netlink.NeighUpdate, <-chan error, error)
}

type realNeighSource struct{}

func (realNeighSource) List() ([]netlink.Neigh, error) {
	return netlink.NeighList(0, syscall.AF_INET)
}

func (realNeighSource) Subscribe(ctx context.Context) (<-chan netlink.NeighUpdate, <-chan error, error) {
	updates := make(chan netlink.NeighUpdate, 64)
	errs := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	if err := netlink.NeighSubscribeWithOptions(updates, done, netlink.NeighSubscribeOptions{
		ErrorCallback: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	}); err != nil {
		return nil, nil, fmt.Errorf("netlinkmgr: subscribe: %w", err)
	}
	return updates, errs, nil
}

// Manager is the Netlink Manager singleton.
type Manager struct {
	src  NeighSource
	mu   sync.Mutex
	sink DevAddrSink
}

var (
	instanceMu sync.Mutex
	instance   *Manager
)

// GetInstance lazily creates the process-wide singleton, matching the
// Conntrack Manager's own getInstance discipline.
func GetInstance() *Manager {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = newManager(realNeighSource{})
	}
	return instance
}

func resetInstanceForTest() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}

func newManager(src NeighSource) *Manager {
	return &Manager{src: src}
}

// BindSink attaches the Conntrack Manager callback. Safe to call before
// or after StartWorker.
func (m *Manager) BindSink(sink DevAddrSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Snapshot pushes every currently resident IPv4 neighbour entry through
// the sink once, so a freshly attached Conntrack Manager does not have
// to wait for the next ARP refresh to learn addresses already resolved
// before it started.
func (m *Manager) Snapshot() error {
	neighs, err := m.src.List()
	if err != nil {
		return fmt.Errorf("netlinkmgr: list neighbours: %w", err)
	}
	for _, n := range neighs {
		m.deliver(n, false)
	}
	return nil
}

// StartWorker subscribes to neighbour table updates and forwards every
// resolved or invalidated entry to the bound sink until ctx is done. The
// returned channel closes when the loop exits.
func (m *Manager) StartWorker(ctx context.Context) (<-chan struct{}, error) {
	updates, errs, err := m.src.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go m.run(ctx, updates, errs, done)
	return done, nil
}

func (m *Manager) run(ctx context.Context, updates <-chan netlink.NeighUpdate, errs <-chan error, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil && ctx.Err() == nil {
				slog.Error("netlinkmgr: subscription error", "err", err)
			}
		case upd, ok := <-updates:
			if !ok {
				return
			}
			m.deliver(upd.Neigh, upd.Type == syscall.RTM_DELNEIGH)
		}
	}
}

// deliver translates one neighbour record into a sink callback. Only
// AF_INET entries are considered. A deleted entry (RTM_DELNEIGH) is
// always forwarded as an invalidation. Otherwise entries with a usable
// hardware address are forwarded as valid; entries transitioning to
// FAILED or INCOMPLETE are forwarded as invalidations so the Conntrack
// Manager can drop a stale MAC rather than keep installing rules with it.
func (m *Manager) deliver(n netlink.Neigh, deleted bool) {
	if n.Family != syscall.AF_INET {
		return
	}
	addr, ok := netip.AddrFromSlice(n.IP.To4())
	if !ok {
		return
	}

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}

	if deleted {
		sink.SetLocalDevAddr(false, addr, [6]byte{})
		return
	}
	switch n.State {
	case netlink.NUD_REACHABLE, netlink.NUD_STALE, netlink.NUD_PERMANENT, netlink.NUD_NOARP:
		if len(n.HardwareAddr) != 6 {
			return
		}
		var mac [6]byte
		copy(mac[:], n.HardwareAddr)
		sink.SetLocalDevAddr(true, addr, mac)
	case netlink.NUD_FAILED, netlink.NUD_INCOMPLETE:
		sink.SetLocalDevAddr(false, addr, [6]byte{})
	}
}
