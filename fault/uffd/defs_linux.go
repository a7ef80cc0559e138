//go:build linux

package uffd

// Raw userfaultfd ABI, from <linux/userfaultfd.h>. golang.org/x/sys/unix
// carries the userfaultfd syscall number but not the ioctl protocol, so
// the request codes and argument structs are spelled out here.

const (
	apiVersion = 0xaa

	ioctlAPI          = 0xc018aa3f
	ioctlRegister     = 0xc020aa00
	ioctlUnregister   = 0x8010aa01
	ioctlWake         = 0x8010aa02
	ioctlCopy         = 0xc028aa03
	ioctlWriteprotect = 0xc018aa06

	registerModeMissing = 1 << 0
	registerModeWP      = 1 << 1

	copyModeDontwake = 1 << 0

	wpModeWP       = 1 << 0
	wpModeDontwake = 1 << 1

	featurePagefaultFlagWP = 1 << 0

	eventPagefault = 0x12

	pagefaultFlagWrite = 1 << 0
	pagefaultFlagWP    = 1 << 1
)

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioAPIArg struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRegisterArg struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopyArg struct {
	dst    uint64
	src    uint64
	len    uint64
	mode   uint64
	copied int64
}

type uffdioWriteprotectArg struct {
	rng  uffdioRange
	mode uint64
}

// uffdMsg mirrors struct uffd_msg: a one-byte event tag, padding, and
// a 24-byte event-specific payload.
type uffdMsg struct {
	event     uint8
	reserved1 uint8
	reserved2 uint16
	reserved3 uint32
	arg       [24]byte
}

// uffdPagefault is the payload of a UFFD_EVENT_PAGEFAULT message.
type uffdPagefault struct {
	flags   uint64
	address uint64
	ptid    uint32
	pad     uint32
}
