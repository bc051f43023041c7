// Package vnet implements the virtual device and embedded TCP/IP stack of
// spec §4.1/§4.5.2, on top of gvisor's userspace network stack — this
// module's Go analogue of the original's smoltcp-based device.
//
// Grounded on the teacher's proxy/tun/stack_gvisor_endpoint.go, which
// already shapes a LinkEndpoint around a device with WritePacket/ReadPacket.
// That teacher endpoint drives itself with a background dispatch goroutine
// (device.ReadPacket in a loop, feeding stack.NetworkDispatcher). This
// module instead keeps two explicit FIFO queues and exposes Poll/Exfiltrate
// so the engine's single-threaded main loop decides exactly when the
// embedded stack advances (spec §4.1: "the device has no clock and no
// timers; time is supplied by the engine").
package vnet

import (
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Device is the in-memory link-layer shim the embedded stack is attached to.
// It has no clock and no timers: inbound frames queue until Poll is called,
// outbound frames queue until Exfiltrate pops them.
type Device struct {
	mtu uint32

	mu      sync.Mutex
	inbound [][]byte
	outbound [][]byte

	dispatcher stack.NetworkDispatcher
}

var _ stack.LinkEndpoint = (*Device)(nil)

// NewDevice builds a Device with the given MTU (spec §6, default 1500).
func NewDevice(mtu uint32) *Device {
	return &Device{mtu: mtu}
}

// Inject pushes a raw IP frame to the inbound queue; the stack will see it
// on the next Poll (spec §4.1 inject()).
func (d *Device) Inject(frame []byte) {
	owned := make([]byte, len(frame))
	copy(owned, frame)
	d.mu.Lock()
	d.inbound = append(d.inbound, owned)
	d.mu.Unlock()
}

// Poll delivers every currently queued inbound frame to the attached
// dispatcher, synchronously, on the calling goroutine. This is the engine's
// expect_smoltcp_send hook (spec §4.5.2) driving the "embedded stack flush".
func (d *Device) Poll() {
	d.mu.Lock()
	pending := d.inbound
	d.inbound = nil
	disp := d.dispatcher
	d.mu.Unlock()

	if disp == nil {
		return
	}
	for _, frame := range pending {
		deliverFrame(disp, frame)
	}
}

func deliverFrame(disp stack.NetworkDispatcher, frame []byte) {
	if len(frame) == 0 {
		return
	}
	var proto tcpip.NetworkProtocolNumber
	switch frame[0] >> 4 {
	case 4:
		proto = header.IPv4ProtocolNumber
	case 6:
		proto = header.IPv6ProtocolNumber
	default:
		return
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	defer pkt.DecRef()
	disp.DeliverNetworkPacket(proto, pkt)
}

// Exfiltrate pops one frame from the outbound queue, if any (spec §4.1
// exfiltrate()).
func (d *Device) Exfiltrate() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outbound) == 0 {
		return nil, false
	}
	frame := d.outbound[0]
	d.outbound = d.outbound[1:]
	return frame, true
}

// --- stack.LinkEndpoint ---

func (d *Device) MTU() uint32                             { return d.mtu }
func (d *Device) SetMTU(mtu uint32)                        { d.mtu = mtu }
func (d *Device) MaxHeaderLength() uint16                 { return 0 }
func (d *Device) LinkAddress() tcpip.LinkAddress          { return "" }
func (d *Device) SetLinkAddress(tcpip.LinkAddress)        {}
func (d *Device) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityNone
}
func (d *Device) ARPHardwareType() header.ARPHardwareType { return header.ARPHardwareNone }
func (d *Device) AddHeader(*stack.PacketBuffer)           {}
func (d *Device) ParseHeader(*stack.PacketBuffer) bool    { return true }
func (d *Device) Wait()                                   {}
func (d *Device) SetOnCloseAction(func())                 {}

func (d *Device) Attach(dispatcher stack.NetworkDispatcher) {
	d.mu.Lock()
	d.dispatcher = dispatcher
	d.mu.Unlock()
}

func (d *Device) IsAttached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatcher != nil
}

func (d *Device) Close() {
	d.mu.Lock()
	d.dispatcher = nil
	d.mu.Unlock()
}

func (d *Device) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, pkt := range pkts.AsSlice() {
		var frame []byte
		for _, v := range pkt.AsSlices() {
			frame = append(frame, v...)
		}
		d.outbound = append(d.outbound, frame)
		n++
	}
	return n, nil
}
