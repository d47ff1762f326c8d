package ditctl

// HwCapability is a bit in HwInfo.Capabilities.
type HwCapability uint32

const (
	CapNone HwCapability = 0
	// CapPortBigEndian is deprecated by the kernel but must still be
	// honored: when set, port fields in SET_NAT_LOCAL_PORT are swapped
	// back to network order after host-order extraction.
	CapPortBigEndian HwCapability = 0x1
)

// HwInfo is fetched once via GET_HW_INFO at initOffload and is read-only
// for the remainder of the session.
type HwInfo struct {
	Version      uint32
	Capabilities uint32
}

// Has reports whether every bit in mask is set in the capability bitmap.
// A zero Version always reports false — matching the source's
// hwCapaMatched, which treats an unfetched HwInfo as capability-less.
func (h HwInfo) Has(mask HwCapability) bool {
	if h.Version == 0 {
		return false
	}
	return h.Capabilities&uint32(mask) == uint32(mask)
}
