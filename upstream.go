package ditctl

// UpstreamInfo describes the current mobile-broadband uplink. It is
// exclusively owned by Offload Control; the Conntrack Manager only ever
// sees the IPv4 address, via the upstream matcher.
type UpstreamInfo struct {
	Iface    string
	V4Addr   string
	V4Gw     string
	V6Gws    []string
}

// Clear resets the upstream to its empty/stopped state.
func (u *UpstreamInfo) Clear() {
	u.Iface = ""
	u.V4Addr = ""
	u.V4Gw = ""
	u.V6Gws = nil
}

// Active reports whether an upstream IPv4 binding is currently programmed.
func (u UpstreamInfo) Active() bool {
	return u.Iface != "" && u.V4Addr != ""
}
