package conntrack

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	ctrack "github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"
)

// Source delivers raw conntrack events for one family until ctx is
// cancelled or the underlying socket errors.
type Source interface {
	Events(ctx context.Context) (<-chan RawEvent, <-chan error)
	Close() error
}

// groupsFor returns the netlink multicast groups backing a family's
// subscription: UDP watches NEW|DESTROY, TCP watches UPDATE|DESTROY.
func groupsFor(family Family) []netfilter.NetlinkGroup {
	switch family {
	case FamilyUDP:
		return []netfilter.NetlinkGroup{netfilter.GroupCTNew, netfilter.GroupCTDestroy}
	default:
		return []netfilter.NetlinkGroup{netfilter.GroupCTUpdate, netfilter.GroupCTDestroy}
	}
}

// tiMoSource adapts github.com/ti-mo/conntrack's event stream to Source.
// The session fd handed in by the Config Store is retained only as a
// bookkeeping token (matching the original's one-handle-per-fd model);
// the actual netlink socket is opened fresh by the library, since Go's
// conntrack-netlink stack does not support adopting an existing fd the
// way the original's nfct_open(fd) does.
type tiMoSource struct {
	family Family
	fd     int
	conn   *ctrack.Conn
}

func newTiMoSource(family Family, fd int) (*tiMoSource, error) {
	conn, err := ctrack.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("conntrack: dial family %s: %w", family, err)
	}
	return &tiMoSource{family: family, fd: fd, conn: conn}, nil
}

func (s *tiMoSource) Events(ctx context.Context) (<-chan RawEvent, <-chan error) {
	out := make(chan RawEvent, 32)
	errs := make(chan error, 1)

	evCh := make(chan ctrack.Event, 32)
	if err := s.conn.Listen(evCh, 1, groupsFor(s.family)); err != nil {
		errs <- fmt.Errorf("conntrack: listen family %s: %w", s.family, err)
		close(out)
		return out, errs
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case ev, ok := <-evCh:
				if !ok {
					errs <- fmt.Errorf("conntrack: family %s event stream closed", s.family)
					return
				}
				if raw, ok := translate(s.family, ev); ok {
					select {
					case out <- raw:
					case <-ctx.Done():
						errs <- ctx.Err()
						return
					}
				}
			}
		}
	}()

	return out, errs
}

func (s *tiMoSource) Close() error {
	return s.conn.Close()
}

// translate reduces a ti-mo/conntrack Event down to a RawEvent. Events
// without a usable orig tuple are dropped (ok=false) rather than passed
// through as zero values — the installer treats a zero address as "no
// event", so an honest drop here avoids a confusing downstream no-op.
func translate(family Family, ev ctrack.Event) (RawEvent, bool) {
	kind, ok := translateKind(ev.Type)
	if !ok {
		return RawEvent{}, false
	}

	flow := ev.Flow
	origSrc, ok := addrFromIP(flow.TupleOrig.IP.SourceAddress)
	if !ok {
		return RawEvent{}, false
	}
	replDst, _ := addrFromIP(flow.TupleReply.IP.DestinationAddress)

	raw := RawEvent{
		Family:      family,
		Kind:        kind,
		OrigSrc:     origSrc,
		ReplDst:     replDst,
		ReplPortDst: flow.TupleReply.Proto.DestinationPort,
		OrigPortSrc: flow.TupleOrig.Proto.SourcePort,
	}

	if family == FamilyTCP && flow.ProtoInfo.TCP != nil {
		raw.HasTCPState = true
		raw.TCPState = translateTCPState(flow.ProtoInfo.TCP.State)
	}

	return raw, true
}

func translateKind(t ctrack.EventType) (EventKind, bool) {
	switch t {
	case ctrack.EventNew:
		return EventNew, true
	case ctrack.EventUpdate:
		return EventUpdate, true
	case ctrack.EventDestroy:
		return EventDestroy, true
	default:
		return 0, false
	}
}

// translateTCPState maps the subset of conntrack TCP states this manager
// distinguishes; every other state collapses to TCPStateOther and is
// ignored by the per-event decision.
func translateTCPState(state uint8) TCPState {
	const (
		ctTCPEstablished = 3
		ctTCPFinWait     = 4
	)
	switch state {
	case ctTCPEstablished:
		return TCPStateEstablished
	case ctTCPFinWait:
		return TCPStateFinWait
	default:
		return TCPStateOther
	}
}

func addrFromIP(ip net.IP) (netip.Addr, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(v4)
	if !ok {
		return netip.Addr{}, false
	}
	return a, true
}
