// Package e1000 implements the packet hand-off contract SPEC_FULL.md
// §4.12 carves out of e1000 register-level programming: Recv/Xmit move
// whole packets in and out of a network device without this kernel
// ever touching a PCI BAR, an MSI vector, or a descriptor ring's MMIO
// registers — those stay out of scope as they would require an actual
// PCI enumeration and a TCP/IP stack this module doesn't have.
//
// Grounded on original_source/crates/kernel/ov6_kernel/src/device/
// e1000.rs for the queue depth and the shape of the hand-off
// (transmitter() hands back a single free descriptor's buffer;
// receive() hands a completed packet to the rest of the kernel) without
// porting its Register/bitflags MMIO layer, which SPEC_FULL.md §4.12
// explicitly excludes.
package e1000

import "kern/defs"

// ringSize mirrors e1000.rs's TX_RING_SIZE/RX_RING_SIZE: the hardware
// ring holds this many in-flight packets. Neither call blocks: once the
// transmit queue is full Xmit returns -defs.NoFreeTxSlot, and Recv on an
// empty receive queue returns ok == false.
const ringSize = 16

// maxPacket is the legacy Ethernet MTU plus header, rounded up to the
// 2048-byte receive buffer e1000.rs's RctlBits::SZ_2048 configures.
const maxPacket = 2048

// Device_i is the hand-off contract a driver exposes to the rest of
// the kernel. Recv returns the next received packet, if any is queued,
// without blocking. Xmit enqueues buf for transmission, returning
// -defs.NoFreeTxSlot if the ring is full.
type Device_i interface {
	Recv() (buf []byte, ok bool)
	Xmit(buf []byte) defs.Err_t
}

// Device is a ring-backed Device_i. Nothing in this struct models MMIO
// registers or PCI configuration space; it is exactly the queueing
// discipline e1000.rs's transmitter()/receive() enforce on top of that
// hardware, factored out so it can run without any hardware behind it.
type Device struct {
	rx chan []byte
	tx chan []byte
}

// NewDevice creates a device with ringSize-deep receive and transmit
// queues, matching the hardware ring depth e1000.rs negotiates at init.
func NewDevice() *Device {
	return &Device{
		rx: make(chan []byte, ringSize),
		tx: make(chan []byte, ringSize),
	}
}

// Recv implements Device_i.
func (d *Device) Recv() ([]byte, bool) {
	select {
	case buf := <-d.rx:
		return buf, true
	default:
		return nil, false
	}
}

// Xmit implements Device_i. It copies buf so the caller may reuse its
// backing array immediately, the way a real driver would finish with a
// caller's buffer as soon as it has copied it into a tx descriptor.
func (d *Device) Xmit(buf []byte) defs.Err_t {
	if len(buf) == 0 || len(buf) > maxPacket {
		return -defs.InvalidInput
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case d.tx <- cp:
		return 0
	default:
		return -defs.NoFreeTxSlot
	}
}

// NewLoopback creates a Device whose transmitted packets are delivered
// back to its own receive queue, standing in for a wired-up pair of
// e1000 cards (or a switch looping a port back to itself) in tests
// that need Recv to see what Xmit sent without any real hardware.
func NewLoopback() *Device {
	d := NewDevice()
	go func() {
		for buf := range d.tx {
			d.deliver(buf)
		}
	}()
	return d
}

// deliver moves a packet into the receive queue, playing the role
// e1000.rs's receive() plays when a completed RX descriptor is found:
// handing the payload to the rest of the kernel (there, net::
// handle_receive; here, whatever calls Recv). It is unexported; its only
// caller is NewLoopback, which needs it to turn a Xmit'd packet back into
// something Recv can return.
func (d *Device) deliver(buf []byte) bool {
	select {
	case d.rx <- buf:
		return true
	default:
		return false
	}
}
