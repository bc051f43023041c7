// Package tundev opens and configures the TUN character device (spec §6).
// One file per OS, grounded on the teacher's proxy/tun/tun_linux.go /
// tun_default.go split.
package tundev

// Options configures the TUN device (spec §6: name or pre-opened fd, MTU).
type Options struct {
	// Name is the interface name to create or open (default "tun0").
	Name string
	// FD, if non-zero, is a pre-opened file descriptor to use instead of
	// opening Name via /dev/net/tun (spec §6: "accepts either a device name
	// or a pre-opened file descriptor").
	FD int
	// MTU of the interface; default 1500.
	MTU uint32
}

// TUN is a non-blocking raw character device yielding/accepting whole IP
// frames, no link-layer header.
type TUN interface {
	// FD returns the raw, non-blocking file descriptor for reactor
	// registration.
	FD() int
	// Up brings the interface up (post-open configuration, e.g. netlink
	// link-set-up on Linux).
	Up() error
	// Close releases the device.
	Close() error
}
