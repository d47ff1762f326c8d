// Package conntrack is the Conntrack Manager: a process-wide singleton
// that watches UDP and TCP flow events and installs/removes hardware NAT
// rules for the flows it selects.
package conntrack

import "net/netip"

// Family distinguishes the two conntrack subscriptions the manager owns.
type Family int

const (
	FamilyUDP Family = iota
	FamilyTCP
)

func (f Family) String() string {
	if f == FamilyUDP {
		return "udp"
	}
	return "tcp"
}

// EventKind is the conntrack message kind relevant to this manager. Only
// the subset the manager subscribes to appears here.
type EventKind int

const (
	EventNew EventKind = iota
	EventUpdate
	EventDestroy
)

// TCPState is the subset of TCP conntrack states the manager acts on.
type TCPState int

const (
	TCPStateOther TCPState = iota
	TCPStateEstablished
	TCPStateFinWait
)

// RawEvent is a conntrack event reduced to exactly the fields the rule
// installer needs, decoupled from whichever netlink library produced it.
type RawEvent struct {
	Family       Family
	Kind         EventKind
	OrigSrc      netip.Addr // client address, the flow's original source
	ReplDst      netip.Addr // REPL_IPV4_DST, used for upstream matching
	ReplPortDst  uint16
	OrigPortSrc  uint16
	TCPState     TCPState
	HasTCPState  bool
}
