package conntrack

import "net/netip"

// filterState is the in-process equivalent of the original's
// libnetfilter_conntrack filter objects. The kernel-side conntrack
// subscription already restricts delivery to NEW|DESTROY (UDP) and
// UPDATE|DESTROY (TCP); the predicates below reproduce the remaining
// attribute-level gating the original applied with nfct_filter_attr_set.
type filterState struct {
	udpAttached bool
	tcpAttached bool

	// localPrefixes accumulates across calls within one detach/attach
	// cycle, shared by both families per addLocalPrefixFilterAttr.
	localPrefixes []netip.Prefix
}

func newFilterState() *filterState {
	return &filterState{}
}

// detach clears attachment flags and drops accumulated prefixes. With
// recreate the caller re-accumulates prefixes into the now empty state
// before attach; without it (resetValues path) the filters stay detached.
func (f *filterState) detach(recreate bool) {
	f.udpAttached = false
	f.tcpAttached = false
	f.localPrefixes = nil
}

func (f *filterState) addLocalPrefix(p netip.Prefix) {
	f.localPrefixes = append(f.localPrefixes, p)
}

func (f *filterState) attach() {
	f.udpAttached = true
	f.tcpAttached = true
}

func (f *filterState) attachedFor(family Family) bool {
	if family == FamilyUDP {
		return f.udpAttached
	}
	return f.tcpAttached
}

// commonIgnored rejects the UDP broadcast destination, independent of
// the local-prefix predicate below.
func commonIgnored(ev RawEvent) bool {
	return ev.Family == FamilyUDP && ev.ReplDst == broadcastAddr
}

var broadcastAddr = netip.MustParseAddr("255.255.255.255")

// isLocalOnly reports whether both the original source and the upstream
// reply destination of ev fall within the same configured local prefix —
// i.e. the flow never actually leaves the local network, so it is not a
// candidate for upstream NAT offload. A flow whose destination lies
// outside every local prefix (the common case: a client talking to the
// internet) is never excluded by this predicate, which is what lets
// scenario 1's client flow through even though its source address is
// itself inside a configured local prefix.
func (f *filterState) isLocalOnly(origSrc, replDst netip.Addr) bool {
	if !origSrc.IsValid() || !replDst.IsValid() {
		return false
	}
	for _, p := range f.localPrefixes {
		if p.Contains(origSrc) && p.Contains(replDst) {
			return true
		}
	}
	return false
}
