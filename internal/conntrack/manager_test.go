package conntrack

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ditctl/internal/ioctlgw"
)

// fakeSource is an in-test Source whose events are driven by push.
type fakeSource struct {
	family Family
	out    chan RawEvent
	errs   chan error
	closed bool
}

func newFakeSource(family Family, _ int) (Source, error) {
	return &fakeSource{family: family, out: make(chan RawEvent, 16), errs: make(chan error, 1)}, nil
}

// fakeSourceFactory records every Source it creates, keyed by family, so
// tests can push events after StartWorker has taken ownership of it.
type fakeSourceFactory struct {
	mu      sync.Mutex
	sources map[Family]*fakeSource
}

func newFakeSourceFactory() *fakeSourceFactory {
	return &fakeSourceFactory{sources: make(map[Family]*fakeSource)}
}

func (f *fakeSourceFactory) new(family Family, _ int) (Source, error) {
	s := &fakeSource{family: family, out: make(chan RawEvent, 16), errs: make(chan error, 1)}
	f.mu.Lock()
	f.sources[family] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSourceFactory) get(family Family) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[family]
}

func (s *fakeSource) Events(ctx context.Context) (<-chan RawEvent, <-chan error) {
	return s.out, s.errs
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSource) push(ev RawEvent) { s.out <- ev }

// fakeGateway records every ioctl invocation.
type fakeGateway struct {
	mu    sync.Mutex
	calls []fakeCall
}

type fakeCall struct {
	cmd ioctlgw.Command
	arg []byte
}

func newFakeGateway() (*ioctlgw.Gateway, *fakeGateway) {
	fg := &fakeGateway{}
	gw := ioctlgw.NewWithFuncs(
		[]string{"/dev/fake"},
		func(string) (int, error) { return 1, nil },
		func(int) error { return nil },
		func(_ int, cmd ioctlgw.Command, arg []byte) error {
			fg.mu.Lock()
			cp := append([]byte(nil), arg...)
			fg.calls = append(fg.calls, fakeCall{cmd: cmd, arg: cp})
			fg.mu.Unlock()
			return nil
		},
	)
	return gw, fg
}

func (fg *fakeGateway) countCmd(cmd ioctlgw.Command) int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	n := 0
	for _, c := range fg.calls {
		if c.cmd == cmd {
			n++
		}
	}
	return n
}

func (fg *fakeGateway) lastArg(cmd ioctlgw.Command) []byte {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for i := len(fg.calls) - 1; i >= 0; i-- {
		if fg.calls[i].cmd == cmd {
			return fg.calls[i].arg
		}
	}
	return nil
}

// fakeControl is a stub Capability: every address is downstream-owned at
// a fixed dst_ring unless explicitly excluded.
type fakeControl struct {
	mu        sync.Mutex
	excluded  map[uint32]bool
	dstRing   int
	bigEndian bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{excluded: make(map[uint32]bool), dstRing: 2}
}

func (c *fakeControl) GetDownstreamDstRing(addrh uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.excluded[addrh] {
		return -1
	}
	return c.dstRing
}

func (c *fakeControl) HwCapaMatched(mask uint32) bool {
	return c.bigEndian && mask == portBigEndianCapMask
}

func newTestManager(t *testing.T) (*Manager, *fakeGateway, *fakeControl) {
	t.Helper()
	gw, fg := newFakeGateway()
	m := newManager(gw, newFakeSource)
	ctrl := newFakeControl()
	m.BindControl(ctrl)
	return m, fg, ctrl
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

var testMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// learnDevAddr mimics the Netlink Manager resolving addr's MAC, a
// prerequisite for the address slot to become eligible for
// SET_NAT_LOCAL_ADDR (spec §8: a slot must be occupied and have a
// valid dev addr before any port rule references it).
func learnDevAddr(m *Manager, addr netip.Addr) {
	m.SetLocalDevAddr(true, addr, testMAC)
}

// TestUDPFlowInstalled covers scenario 1: a client inside the configured
// local prefix talking to an external upstream still gets a rule
// installed, because its reply destination is outside every local
// prefix.
func TestUDPFlowInstalled(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AddLocalPrefixFilterAttr(mustPrefix(t, "192.168.42.0/24"))
	m.AttachFilters()
	learnDevAddr(m, netip.MustParseAddr("192.168.42.50"))

	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("192.168.42.50"),
		ReplDst:     netip.MustParseAddr("203.0.113.9"),
		ReplPortDst: 50000,
		OrigPortSrc: 33333,
	}
	m.handleEvent(ev)

	assert.Equal(t, 1, fg.countCmd(ioctlgw.CmdSetNatLocalAddr))
	assert.Equal(t, 1, fg.countCmd(ioctlgw.CmdSetNatLocalPort))
	require.NotNil(t, fg.lastArg(ioctlgw.CmdSetNatLocalPort))

	key := ioctlgw.PortTableIndex(50000)
	assert.Equal(t, uint16(848), key)
}

// TestIntraLANFlowSkipped: both src and dst within the same local prefix
// must never get a rule installed.
func TestIntraLANFlowSkipped(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AddLocalPrefixFilterAttr(mustPrefix(t, "192.168.42.0/24"))
	m.AttachFilters()

	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("192.168.42.50"),
		ReplDst:     netip.MustParseAddr("192.168.42.99"),
		ReplPortDst: 4000,
		OrigPortSrc: 5000,
	}
	m.handleEvent(ev)

	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalAddr))
	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalPort))
}

// TestBroadcastDestinationIgnored: UDP flows to 255.255.255.255 never
// install, independent of the local-prefix filter.
func TestBroadcastDestinationIgnored(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()

	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("10.0.0.5"),
		ReplDst:     netip.MustParseAddr("255.255.255.255"),
		ReplPortDst: 6000,
		OrigPortSrc: 7000,
	}
	m.handleEvent(ev)

	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalAddr))
}

// TestNonDownstreamClientSkipped: the capability callback returning -1
// (not a recognized downstream client) must short-circuit before any
// ioctl.
func TestNonDownstreamClientSkipped(t *testing.T) {
	m, fg, ctrl := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()
	ctrl.excluded[addrToU32(netip.MustParseAddr("10.0.0.7"))] = true

	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("10.0.0.7"),
		ReplDst:     netip.MustParseAddr("203.0.113.9"),
		ReplPortDst: 6001,
		OrigPortSrc: 7001,
	}
	m.handleEvent(ev)

	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalAddr))
}

// TestSlotEvictionAfterSixteenClients: the 17th distinct client forces
// eviction of the first, clearing its port rules.
func TestSlotEvictionAfterSixteenClients(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()

	base := netip.MustParseAddr("10.0.0.1")
	for i := 0; i < MaxLocalAddrSlots; i++ {
		addr := offsetAddr(base, i)
		learnDevAddr(m, addr)
		ev := RawEvent{
			Family:      FamilyUDP,
			Kind:        EventNew,
			OrigSrc:     addr,
			ReplDst:     netip.MustParseAddr("203.0.113.9"),
			ReplPortDst: uint16(20000 + i),
			OrigPortSrc: uint16(30000 + i),
		}
		m.handleEvent(ev)
	}
	addrCallsBefore := fg.countCmd(ioctlgw.CmdSetNatLocalAddr)
	require.Equal(t, MaxLocalAddrSlots, addrCallsBefore)

	// 17th client reuses index 0, evicting base.
	seventeenth := offsetAddr(base, MaxLocalAddrSlots)
	learnDevAddr(m, seventeenth)
	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     seventeenth,
		ReplDst:     netip.MustParseAddr("203.0.113.9"),
		ReplPortDst: 20099,
		OrigPortSrc: 30099,
	}
	m.handleEvent(ev)

	_, stillResident := m.addrs.lookup(base)
	assert.False(t, stillResident)

	slot, ok := m.addrs.lookup(seventeenth)
	require.True(t, ok)
	assert.Equal(t, 0, slot.index)
}

func offsetAddr(base netip.Addr, n int) netip.Addr {
	b := base.As4()
	b[3] += byte(n)
	return netip.AddrFrom4(b)
}

// TestTCPFinWaitDisablesImmediately: a FIN-WAIT update tears the port
// rule down without waiting for a DESTROY event.
func TestTCPFinWaitDisablesImmediately(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()

	src := netip.MustParseAddr("10.0.0.20")
	learnDevAddr(m, src)
	install := RawEvent{
		Family: FamilyTCP, Kind: EventNew,
		OrigSrc: src, ReplDst: netip.MustParseAddr("203.0.113.9"),
		ReplPortDst: 443, OrigPortSrc: 51000,
		HasTCPState: true, TCPState: TCPStateEstablished,
	}
	m.handleEvent(install)
	require.Equal(t, 1, fg.countCmd(ioctlgw.CmdSetNatLocalPort))

	finWait := install
	finWait.Kind = EventUpdate
	finWait.TCPState = TCPStateFinWait
	m.handleEvent(finWait)

	assert.Equal(t, 2, fg.countCmd(ioctlgw.CmdSetNatLocalPort))
	last := fg.lastArg(ioctlgw.CmdSetNatLocalPort)
	require.Len(t, last, 6)
	assert.Equal(t, uint32(0), leU32(last[2:6]))
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// TestRemoveDownstreamLocalAddrCascades: removing a downstream subnet
// clears every resident address and port rule inside it.
func TestRemoveDownstreamLocalAddrCascades(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()
	learnDevAddr(m, netip.MustParseAddr("192.168.50.7"))

	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("192.168.50.7"),
		ReplDst:     netip.MustParseAddr("203.0.113.9"),
		ReplPortDst: 9000,
		OrigPortSrc: 9001,
	}
	m.handleEvent(ev)
	require.Equal(t, 1, fg.countCmd(ioctlgw.CmdSetNatLocalAddr))

	m.RemoveDownstreamLocalAddr(netip.MustParseAddr("192.168.50.0"), 24)

	_, resident := m.addrs.lookup(netip.MustParseAddr("192.168.50.7"))
	assert.False(t, resident)
	assert.GreaterOrEqual(t, fg.countCmd(ioctlgw.CmdSetNatLocalAddr), 2)
}

// TestResetValuesClearsStateButKeepsSingleton verifies a stopOffload-like
// reset does not destroy the Manager value itself.
func TestResetValuesClearsStateButKeepsSingleton(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()

	m.ResetValues()

	m.mu.Lock()
	upstream := m.upstream
	control := m.control
	m.mu.Unlock()
	assert.Nil(t, upstream)
	assert.Nil(t, control)
	assert.False(t, m.filter.attachedFor(FamilyUDP))
}

// TestWorkerDeliversEventsFromSource exercises the goroutine plumbing end
// to end: StartWorker opens a Source, and an event pushed through it
// reaches the installer and produces ioctls.
func TestWorkerDeliversEventsFromSource(t *testing.T) {
	gw, fg := newFakeGateway()
	factory := newFakeSourceFactory()
	m := newManager(gw, factory.new)
	m.BindControl(newFakeControl())
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()
	learnDevAddr(m, netip.MustParseAddr("10.1.1.1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := m.StartWorker(ctx, FamilyUDP)
	require.NoError(t, err)

	src := factory.get(FamilyUDP)
	require.NotNil(t, src)

	src.push(RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("10.1.1.1"),
		ReplDst:     netip.MustParseAddr("203.0.113.9"),
		ReplPortDst: 8080,
		OrigPortSrc: 9090,
	})

	require.Eventually(t, func() bool {
		return fg.countCmd(ioctlgw.CmdSetNatLocalPort) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestReplDstMismatchSkipped: a flow whose reply destination does not
// match the configured upstream address must fast-reject before any
// ioctl, mirroring isCallbackReady's nfct_cmp(REPL|MASK) check.
func TestReplDstMismatchSkipped(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()
	learnDevAddr(m, netip.MustParseAddr("10.0.0.5"))

	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("10.0.0.5"),
		ReplDst:     netip.MustParseAddr("198.51.100.1"), // not the upstream addr
		ReplPortDst: 6000,
		OrigPortSrc: 7000,
	}
	m.handleEvent(ev)

	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalAddr))
	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalPort))
}

// TestMissingDevAddrSkipsInstallAndPortWrite: a first-seen address with
// no learned MAC must neither invoke SET_NAT_LOCAL_ADDR nor write a
// port rule referencing it (spec §8: a port entry's address slot must
// be both occupied and validDevAddr).
func TestMissingDevAddrSkipsInstallAndPortWrite(t *testing.T) {
	m, fg, _ := newTestManager(t)
	require.NoError(t, m.SetUpstreamIpv4Addr("203.0.113.9"))
	m.AttachFilters()
	// deliberately no learnDevAddr call

	ev := RawEvent{
		Family:      FamilyUDP,
		Kind:        EventNew,
		OrigSrc:     netip.MustParseAddr("10.0.0.6"),
		ReplDst:     netip.MustParseAddr("203.0.113.9"),
		ReplPortDst: 6100,
		OrigPortSrc: 7100,
	}
	m.handleEvent(ev)

	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalAddr))
	assert.Equal(t, 0, fg.countCmd(ioctlgw.CmdSetNatLocalPort))

	_, ok := m.ports.get(ioctlgw.PortTableIndex(6100))
	assert.False(t, ok)
}
