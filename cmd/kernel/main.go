// Command kernel wires the subsystems together the way boot would on
// real hardware: page allocator, virtio disk, buffer cache, mounted
// filesystem with log recovery, device table, and an init process that
// exercises the syscall path end to end before the kernel idles out.
package main

import (
	"flag"
	"fmt"
	"os"

	"kern/defs"
	"kern/fd"
	"kern/fs"
	"kern/limits"
	"kern/mem"
	"kern/proc"
	"kern/scall"
	"kern/trap"
	"kern/virtio"
	"kern/vm"
)

// virtioIrq is the QEMU virt machine's PLIC source for the first
// virtio-mmio slot.
const virtioIrq = 1

var (
	diskPath = flag.String("disk", "fs.img", "backing file for the virtio disk")
	format   = flag.Bool("format", false, "lay a fresh filesystem down on the disk image")
	diskSize = flag.Int("size", 1024, "disk image size in blocks (with -format)")
	ninodes  = flag.Int("ninodes", 256, "inode table size (with -format)")
	nlog     = flag.Int("nlog", 32, "write-ahead log size in blocks (with -format)")
)

func main() {
	flag.Parse()

	pm := mem.NewPageManager(4096)

	backing, err := virtio.NewFileBacked(*diskPath, int64(*diskSize)*int64(fs.BSIZE))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: cannot open disk %s: %v\n", *diskPath, err)
		os.Exit(1)
	}
	disk := virtio.NewDisk(backing)
	defer disk.Close()
	trap.RegisterIRQ(virtioIrq, disk)

	bc := fs.NewBufCache(limits.Syslimit.Blocks, pm, disk)

	var sb *fs.Superblock_t
	if *format {
		sb = fs.Format(bc, *diskSize, *ninodes, *nlog)
	} else {
		var ok bool
		sb, ok = fs.LoadSuper(bc)
		if !ok {
			fmt.Fprintf(os.Stderr, "kernel: %s has no filesystem; run with -format\n", *diskPath)
			os.Exit(1)
		}
	}
	rootfs := fs.NewFs(sb, bc, limits.Syslimit.Vnodes)
	scall.RootFs = rootfs

	fd.RegisterDevice(defs.D_DEVNULL, fd.DevNull_t{})

	cwd := fd.MkRootCwd(&fd.Fd_t{
		Fops:  fd.MkInodeFile(rootfs, fs.RootIno, false),
		Perms: fd.FD_READ,
	})

	done := make(chan int, 1)
	_, perr := proc.Spawn(pm, cwd, "init", func(p *proc.ProcSlot_t) {
		done <- initBody(p)
	})
	if perr != 0 {
		fmt.Fprintf(os.Stderr, "kernel: cannot spawn init: %v\n", perr)
		os.Exit(1)
	}

	status := <-done
	fmt.Println(disk.Stats())
	fmt.Println(bc.Stats())
	if status != 0 {
		os.Exit(status)
	}
}

// initBody is the first process: it drives a write/read round trip
// through the real syscall dispatch path (trapframe in, trapframe out)
// to prove the mounted filesystem works, then exits.
func initBody(p *proc.ProcSlot_t) int {
	as := p.Private().AS
	as.Vmadd_anon(0x10000, 16*vm.PGSIZE, vm.PTE_R|vm.PTE_W|vm.PTE_U)

	const pathVa = 0x10000
	const bufVa = 0x11000
	banner := []byte("init: filesystem is up\n")
	if err := as.K2user(append([]byte("boot.log"), 0), pathVa); err != 0 {
		fmt.Printf("init: staging path failed: %v\n", err)
		return 1
	}
	if err := as.K2user(banner, bufVa); err != 0 {
		fmt.Printf("init: staging banner failed: %v\n", err)
		return 1
	}

	fdno, ok := syscall3(p, defs.SYS_OPEN, pathVa, defs.O_CREAT|defs.O_RDWR, 0)
	if !ok {
		fmt.Printf("init: open failed with code %d\n", fdno)
		return 1
	}
	if n, wok := syscall3(p, defs.SYS_WRITE, fdno, bufVa, uint64(len(banner))); !wok || int(n) != len(banner) {
		fmt.Printf("init: write wrote %d of %d\n", n, len(banner))
		return 1
	}
	syscall3(p, defs.SYS_CLOSE, fdno, 0, 0)

	fdno, ok = syscall3(p, defs.SYS_OPEN, pathVa, defs.O_RDONLY, 0)
	if !ok {
		fmt.Printf("init: reopen failed with code %d\n", fdno)
		return 1
	}
	n, ok := syscall3(p, defs.SYS_READ, fdno, bufVa+0x1000, uint64(len(banner)))
	syscall3(p, defs.SYS_CLOSE, fdno, 0, 0)
	if !ok || int(n) != len(banner) {
		fmt.Printf("init: read returned %d of %d\n", n, len(banner))
		return 1
	}
	back := make([]byte, len(banner))
	if err := as.User2k(back, bufVa+0x1000); err != 0 {
		fmt.Printf("init: readback copy failed: %v\n", err)
		return 1
	}
	os.Stdout.Write(back)
	return 0
}

// syscall3 pushes one syscall through the trap path, the same route a
// real ecall takes, and reports (a0, whether a0 was a success value).
func syscall3(p *proc.ProcSlot_t, no defs.Sysno_t, a0, a1, a2 uint64) (uint64, bool) {
	tf := p.Private().TF
	tf.Regs.A7 = uint64(no)
	tf.Regs.A0 = a0
	tf.Regs.A1 = a1
	tf.Regs.A2 = a2
	trap.Dispatch(p, trap.Event_t{Cause: trap.CauseSyscall})
	ret := tf.Regs.A0
	return ret, int64(ret) >= 0
}
