package e1000

import (
	"bytes"
	"testing"
	"time"

	"kern/defs"
)

func TestRecvEmptyReturnsNotOk(t *testing.T) {
	d := NewDevice()
	if _, ok := d.Recv(); ok {
		t.Fatal("Recv on an empty device reported ok")
	}
}

func TestLoopbackDeliversXmittedPacket(t *testing.T) {
	d := NewLoopback()
	pkt := []byte("hello, network")
	if err := d.Xmit(pkt); err != 0 {
		t.Fatalf("Xmit failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if got, ok := d.Recv(); ok {
			if !bytes.Equal(got, pkt) {
				t.Fatalf("Recv = %q, want %q", got, pkt)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("looped-back packet never arrived")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestXmitRejectsOversizePacket(t *testing.T) {
	d := NewDevice()
	big := make([]byte, maxPacket+1)
	if err := d.Xmit(big); err == 0 {
		t.Fatal("Xmit accepted an oversize packet")
	}
}

func TestXmitRejectsEmptyPacket(t *testing.T) {
	d := NewDevice()
	if err := d.Xmit(nil); err == 0 {
		t.Fatal("Xmit accepted an empty packet")
	}
}

func TestXmitFillsRingThenReturnsNoFreeSlot(t *testing.T) {
	d := NewDevice() // not a loopback: tx queue never drains
	for i := 0; i < ringSize; i++ {
		if err := d.Xmit([]byte{byte(i)}); err != 0 {
			t.Fatalf("Xmit %d failed: %v", i, err)
		}
	}
	if err := d.Xmit([]byte{0xff}); err != -defs.NoFreeTxSlot {
		t.Fatalf("Xmit on full ring = %v, want NoFreeTxSlot", err)
	}
}

func TestXmitCopiesBuffer(t *testing.T) {
	d := NewLoopback()
	buf := []byte{1, 2, 3}
	if err := d.Xmit(buf); err != 0 {
		t.Fatalf("Xmit failed: %v", err)
	}
	buf[0] = 0xff // mutate caller's buffer after handing it off

	deadline := time.After(time.Second)
	for {
		if got, ok := d.Recv(); ok {
			if got[0] != 1 {
				t.Fatalf("Recv saw the caller's post-Xmit mutation: %v", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("looped-back packet never arrived")
		case <-time.After(time.Millisecond):
		}
	}
}
