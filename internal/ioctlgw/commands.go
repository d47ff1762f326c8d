// Package ioctlgw is the Ioctl Gateway: it opens the accelerator character
// device, issues one of a fixed set of commands, and closes it. Every call
// is stateless except for which device path succeeded last time.
package ioctlgw

// Command is one of the accelerator's ioctl command codes. All commands
// share magic byte 'D'; direction and argument size are folded into the
// code the same way the Linux _IO/_IOW/_IOR/_IOWR macros do.
type Command uintptr

const (
	ifaceInfoSize    = 18 // iface[16] + dst_ring u16
	forwardStatsSize = 56 // iface[16] + data_limit/rx_bytes/tx_bytes/rx_diff/tx_diff, 5*u64
	forwardLimitSize = 32 // iface[16] + data_warning u64 + data_limit u64
	hwInfoSize       = 8  // version u32 + capabilities u32
	natLocalAddrSize = 13 // index u16 + dst_ring u8 + addr u32 + dev_addr[6], packed
	natLocalPortSize = 6  // reply_port_dst_l u16 + hw_val u32
)

const magic = 'D'

var (
	CmdInitOffload        = ioNone(magic, 0x00)
	CmdStopOffload        = ioNone(magic, 0x01)
	cmdSetLocalPrefix     = ioW(magic, 0x02, ifaceInfoSize) // unused by any SPEC_FULL operation
	CmdGetForwardStats    = ioWR(magic, 0x03, forwardStatsSize)
	CmdSetDataLimit       = ioW(magic, 0x04, forwardStatsSize)
	CmdSetUpstreamParam   = ioW(magic, 0x05, ifaceInfoSize)
	CmdAddDownstream      = ioWR(magic, 0x06, ifaceInfoSize)
	CmdRemoveDownstream   = ioW(magic, 0x07, ifaceInfoSize)
	CmdSetNatLocalAddr    = ioW(magic, 0x20, natLocalAddrSize)
	CmdSetNatLocalPort    = ioW(magic, 0x21, natLocalPortSize)
	CmdGetHwInfo          = ioR(magic, 0xE0, hwInfoSize)
	CmdSetDataWarningLimit = ioW(magic, 0x08, forwardLimitSize) // v1.1
)

// The four bits below mirror asm-generic/ioctl.h. Direction is from the
// calling process's point of view: write = process supplies data, read =
// kernel fills data, none = no argument buffer.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) Command {
	return Command(dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift)
}

func ioNone(typ, nr uintptr) Command      { return ioc(iocNone, typ, nr, 0) }
func ioW(typ, nr, size uintptr) Command   { return ioc(iocWrite, typ, nr, size) }
func ioR(typ, nr, size uintptr) Command   { return ioc(iocRead, typ, nr, size) }
func ioWR(typ, nr, size uintptr) Command  { return ioc(iocWrite|iocRead, typ, nr, size) }
