package fd

import (
	"kern/defs"
	"kern/fdops"
	"kern/stat"
)

// Devsw_i is what a character device registers to handle reads and
// writes addressed to it by minor number; the split by (major, minor)
// mirrors the pair of fields an I_DEV inode already carries on disk.
// spec.md excludes the UART's register-level detail and the PLIC's
// claim/complete detail from this module's scope, but the dispatch
// table those drivers plug into is part of the file descriptor layer
// and has to exist for /dev/console, /dev/null and the raw disk device
// to be openable at all.
type Devsw_i interface {
	Read(dst fdops.Userio_i, minor int16) (int, defs.Err_t)
	Write(src fdops.Userio_i, minor int16) (int, defs.Err_t)
}

var devsw = map[int16]Devsw_i{}

// RegisterDevice installs d as the handler for every device file whose
// inode has major number major. Called during boot, before any process
// can open a device file; not safe to call concurrently with opens.
func RegisterDevice(major int16, d Devsw_i) {
	devsw[major] = d
}

// DevFile_t is the Fdops_i for a device-backed file descriptor: an open
// file whose inode type is I_DEV. It carries no buffering of its own —
// every Read/Write forwards straight to the registered Devsw_i.
type DevFile_t struct {
	Major int16
	Minor int16
}

// MkDevFile wraps (major, minor) as an open device file descriptor.
func MkDevFile(major, minor int16) *DevFile_t {
	return &DevFile_t{Major: major, Minor: minor}
}

func (df *DevFile_t) Close() defs.Err_t  { return 0 }
func (df *DevFile_t) Reopen() defs.Err_t { return 0 }

func (df *DevFile_t) Fstat(st_ []uint8) defs.Err_t {
	var st stat.Stat_t
	st.Wmode(uint(defs.T_DEV))
	st.Wrdev(uint(df.Major)<<16 | uint(uint16(df.Minor)))
	copy(st_, st.Bytes())
	return 0
}

func (df *DevFile_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	d, ok := devsw[df.Major]
	if !ok {
		return 0, -defs.NoSuchDevice
	}
	return d.Read(dst, df.Minor)
}

func (df *DevFile_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	d, ok := devsw[df.Major]
	if !ok {
		return 0, -defs.NoSuchDevice
	}
	return d.Write(src, df.Minor)
}

func (df *DevFile_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	// Device files are always reported ready; the real backpressure (a
	// full UART TX fifo, an empty RX ring) happens inside the Devsw_i's
	// Read/Write, which is free to block.
	return pm.Events & (fdops.R_READ | fdops.R_WRITE), 0
}

// DevNull_t is the D_DEVNULL handler: reads return EOF immediately,
// writes discard their input and report full completion.
type DevNull_t struct{}

func (DevNull_t) Read(dst fdops.Userio_i, minor int16) (int, defs.Err_t) {
	return 0, 0
}

func (DevNull_t) Write(src fdops.Userio_i, minor int16) (int, defs.Err_t) {
	var discard [512]uint8
	tot := 0
	for src.Remain() > 0 {
		n, err := src.Uioread(discard[:])
		if err != 0 {
			return tot, err
		}
		if n == 0 {
			break
		}
		tot += n
	}
	return tot, 0
}
