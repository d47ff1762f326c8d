package control

import (
	"net"
	"net/netip"
	"regexp"

	"ditctl"
)

// upstreamPattern constrains interface names accepted by
// setUpstreamParameters: real rmnet radio interfaces (rmnet0..rmnet7),
// rmnet_dataN, or the dummy/VTS alias.
var upstreamPattern = regexp.MustCompile(`^((rmnet[0-7])|(rmnet_data\d+)|(dummy\d+))$`)

// vtsPattern is the subset accepted for downstream/VTS interfaces that
// need not exist on the running system (compliance-test virtual links).
var vtsPattern = regexp.MustCompile(`^((rmnet_data\d+)|(dummy\d+))$`)

func validUpstreamIface(name string) bool {
	return upstreamPattern.MatchString(name)
}

// validDownstreamIface accepts a real, resolvable interface or one
// matching the VTS pattern.
func validDownstreamIface(name string) bool {
	if vtsPattern.MatchString(name) {
		return true
	}
	_, err := net.InterfaceByName(name)
	return err == nil
}

// parsedPrefix is the result of parsing a caller-supplied "addr" or
// "addr/len" string.
type parsedPrefix struct {
	IsV6   bool
	Prefix netip.Prefix
}

// parsePrefix implements the parser law in spec §8: family is inferred
// from the presence of ":"; a missing length defaults to 32 (IPv4) or
// 128 (IPv6).
func parsePrefix(s string) (parsedPrefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return parsedPrefix{IsV6: p.Addr().Is6(), Prefix: p}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return parsedPrefix{}, ditctl.NewControlError(ditctl.InvalidArgument, "parse prefix %q: %v", s, err)
	}
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return parsedPrefix{IsV6: addr.Is6(), Prefix: netip.PrefixFrom(addr, bits)}, nil
}
