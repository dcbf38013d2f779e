// Package scall decodes and runs the syscalls spec.md §4.6 names: a7
// carries the syscall number, a0..a5 the arguments, and the result is
// written back into a0 with its sign as the Ok/Err discriminant (a
// negative a0 is the error code). It registers itself into
// trap.SyscallDispatch at init time rather than trap importing this
// package directly, since trap.Dispatch needs to call a syscall and this
// package already imports trap (for SyscallDispatch and Sigreturn).
package scall

import (
	"time"

	"kern/defs"
	"kern/fd"
	"kern/fs"
	"kern/proc"
	"kern/stat"
	"kern/trap"
	"kern/trapframe"
	"kern/ustr"
	"kern/vm"
)

func init() {
	trap.SyscallDispatch = Dispatch
}

// RootFs is the single mounted filesystem every path-taking syscall
// resolves against. Set once at bring-up before any process traps in.
var RootFs *fs.Fs_t

const maxPath = 128

// Dispatch reads tf.Regs.A7 for the syscall number, runs it, and writes
// the result back into tf.Regs.A0.
func Dispatch(p *proc.ProcSlot_t, tf *trapframe.Trapframe_t) {
	r := &tf.Regs
	r.A0 = uint64(run(p, tf, defs.Sysno_t(r.A7)))
}

// run calls the syscall and passes its result to user mode unchanged:
// the sign of a0 is the Ok/Err discriminant. Kernel functions already
// return a nonzero Err_t as a negative small integer, so a negative a0
// is the error code and any non-negative a0 (a byte count, a pid, a
// descriptor number) is a success value — the two ranges can never
// collide.
func run(p *proc.ProcSlot_t, tf *trapframe.Trapframe_t, no defs.Sysno_t) int64 {
	return call(p, tf, no)
}

func call(p *proc.ProcSlot_t, tf *trapframe.Trapframe_t, no defs.Sysno_t) int64 {
	r := &tf.Regs
	pp := p.Private()
	as := pp.AS

	switch no {
	case defs.SYS_GETPID:
		return int64(proc.Getpid(p))

	case defs.SYS_FORK:
		pid, err := forkSyscall(p)
		if err != 0 {
			return int64(err)
		}
		return int64(pid)

	case defs.SYS_EXIT:
		proc.Exit(p, int(int32(r.A0)))
		return 0

	case defs.SYS_WAIT:
		pid, status, err := proc.Wait(p, defs.Pid_t(int32(r.A0)))
		if err != 0 {
			return int64(err)
		}
		if statusVa := int(r.A1); statusVa != 0 {
			if werr := as.Userwriten(statusVa, 8, status); werr != 0 {
				return int64(werr)
			}
		}
		return int64(pid)

	case defs.SYS_KILL:
		return int64(proc.Kill(defs.Pid_t(int32(r.A0))))

	case defs.SYS_SIGRETURN:
		return int64(trap.Sigreturn(p))

	case defs.SYS_SIGALARM:
		interval := time.Duration(int64(r.A0)) * time.Millisecond
		handler := r.A1
		if interval <= 0 {
			p.SetAlarm(nil)
		} else {
			p.SetAlarm(trapframe.NewAlarm(interval, handler))
		}
		return 0

	case defs.SYS_TRACE:
		pp.TraceMask = r.A0
		return 0

	case defs.SYS_SBRK:
		// Heap growth belongs to a loaded process's vm.Vm_t, set up by
		// exec(2); there is no ELF loader in this module (spec.md's
		// process model covers fork/exit/wait/kill, not a loader), so
		// Sys_sbrk has no initial break to grow from.
		return int64(-defs.NoSuchSyscall)

	case defs.SYS_OPEN:
		path, err := as.Userstr(int(r.A0), maxPath)
		if err != 0 {
			return int64(err)
		}
		fdno, err := openSyscall(pp, path, int(r.A1))
		if err != 0 {
			return int64(err)
		}
		return int64(fdno)

	case defs.SYS_CLOSE:
		return int64(closeSyscall(pp, int(r.A0)))

	case defs.SYS_READ:
		return rwSyscall(pp, as, int(r.A0), int(r.A1), int(r.A2), false)

	case defs.SYS_WRITE:
		return rwSyscall(pp, as, int(r.A0), int(r.A1), int(r.A2), true)

	case defs.SYS_FSTAT:
		return int64(fstatSyscall(pp, int(r.A0), as, int(r.A1)))

	case defs.SYS_DUP:
		fdno, err := dupSyscall(pp, int(r.A0))
		if err != 0 {
			return int64(err)
		}
		return int64(fdno)

	case defs.SYS_PIPE:
		return int64(pipeSyscall(pp, as, int(r.A0)))

	case defs.SYS_CHDIR:
		path, err := as.Userstr(int(r.A0), maxPath)
		if err != 0 {
			return int64(err)
		}
		return int64(chdirSyscall(pp, path))

	case defs.SYS_MKDIR:
		path, err := as.Userstr(int(r.A0), maxPath)
		if err != 0 {
			return int64(err)
		}
		return int64(mkdirSyscall(pp, path))

	case defs.SYS_UNLINK:
		path, err := as.Userstr(int(r.A0), maxPath)
		if err != 0 {
			return int64(err)
		}
		return int64(unlinkSyscall(pp, path))

	case defs.SYS_LINK:
		oldp, err := as.Userstr(int(r.A0), maxPath)
		if err != 0 {
			return int64(err)
		}
		newp, err := as.Userstr(int(r.A1), maxPath)
		if err != 0 {
			return int64(err)
		}
		return int64(linkSyscall(pp, oldp, newp))

	case defs.SYS_EXEC:
		// Same gap as Sys_sbrk: no ELF loader in this module.
		return int64(-defs.NoSuchSyscall)

	default:
		return int64(-defs.NoSuchSyscall)
	}
}

// forkSyscall hands proc.Fork a body for the child, the same way any
// other caller of Fork does; it's honest about what this simulation
// can't do, though: with no ELF loader (Sys_exec is unimplemented,
// above), there is no instruction stream to resume the child into at
// the point fork(2) returned, so the child's body forces a0 = 0 (the
// fork(2) convention) and exits immediately rather than pretending to
// continue whatever Go closure the parent's own body happens to be.
// Sys_fork is exercised properly at the proc layer (proc_test.go's
// TestForkWaitExit), where the caller supplies a real child body
// instead of going through this syscall-ABI shim.
func forkSyscall(p *proc.ProcSlot_t) (defs.Pid_t, defs.Err_t) {
	return proc.Fork(p, func(child *proc.ProcSlot_t) {
		child.Private().TF.Regs.A0 = 0
		proc.Exit(child, 0)
	})
}

// fdAlloc finds the lowest unused slot in pp's open-file table.
func fdAlloc(pp *proc.ProcPrivate_t, f *fd.Fd_t) (int, defs.Err_t) {
	for i := range pp.Fds {
		if pp.Fds[i] == nil {
			pp.Fds[i] = f
			return i, 0
		}
	}
	return 0, -defs.NoFreeFileDescriptorTableEntry
}

func fdLookup(pp *proc.ProcPrivate_t, fdno int) (*fd.Fd_t, defs.Err_t) {
	if fdno < 0 || fdno >= len(pp.Fds) || pp.Fds[fdno] == nil {
		return nil, -defs.FileDescriptorNotFound
	}
	return pp.Fds[fdno], 0
}

// resolve turns a possibly-relative path into the Fs_t-rooted absolute
// form pp.Cwd anchors it against.
func resolve(pp *proc.ProcPrivate_t, path ustr.Ustr) ustr.Ustr {
	return pp.Cwd.Canonicalpath(path)
}

func openSyscall(pp *proc.ProcPrivate_t, path ustr.Ustr, flags int) (int, defs.Err_t) {
	full := resolve(pp, path)

	var ino int
	var ty fs.Itype_t
	if flags&defs.O_CREAT != 0 {
		dirg, name, err := RootFs.NameiParent(full)
		if err != 0 {
			return 0, err
		}
		dir := dirg.Value()
		childg, _, lerr := RootFs.Dirlookup(dir, name)
		if lerr == 0 {
			ino = childg.Value().Ino
			ty = childg.Value().Type
			childg.Done()
			dirg.Done()
		} else {
			RootFs.BeginTx()
			ig, aerr := RootFs.Ialloc(fs.I_FILE)
			if aerr != 0 {
				RootFs.EndTx()
				dirg.Done()
				return 0, aerr
			}
			ino = ig.Value().Ino
			ty = fs.I_FILE
			ig.Value().Nlink = 1
			ig.Value().Update()
			linkErr := RootFs.Dirlink(dir, name, ino)
			ig.Done()
			RootFs.EndTx()
			dirg.Done()
			if linkErr != 0 {
				return 0, linkErr
			}
		}
	} else {
		g, err := RootFs.Namei(full)
		if err != 0 {
			return 0, err
		}
		ino = g.Value().Ino
		ty = g.Value().Type
		g.Done()
	}

	if ty == fs.I_DIR && flags != defs.O_RDONLY {
		return 0, -defs.OpenDirAsWritable
	}
	if flags&defs.O_TRUNC != 0 {
		RootFs.BeginTx()
		g, err := RootFs.Iget(ino)
		if err == 0 {
			g.Value().Itrunc()
			g.Done()
		}
		RootFs.EndTx()
	}

	inf := fd.MkInodeFile(RootFs, ino, false)
	perms := fd.FD_READ
	if flags&defs.O_WRONLY != 0 || flags&defs.O_RDWR != 0 {
		perms |= fd.FD_WRITE
	}
	return fdAlloc(pp, &fd.Fd_t{Fops: inf, Perms: perms})
}

func closeSyscall(pp *proc.ProcPrivate_t, fdno int) defs.Err_t {
	f, err := fdLookup(pp, fdno)
	if err != 0 {
		return err
	}
	pp.Fds[fdno] = nil
	return f.Fops.Close()
}

func rwSyscall(pp *proc.ProcPrivate_t, as *vm.Vm_t, fdno, uva, n int, write bool) int64 {
	f, err := fdLookup(pp, fdno)
	if err != 0 {
		return int64(err)
	}
	// write(2) reads the user range, read(2) stores into it; validate
	// the whole slice up front so the copy loop cannot hit an unmapped
	// or wrongly-mapped page partway through.
	required := vm.PTE_U | vm.PTE_R
	if !write {
		required = vm.PTE_U | vm.PTE_W
	}
	uv, verr := as.Validate(uva, n, required)
	if verr != 0 {
		return int64(-defs.BadAddress)
	}
	defer uv.Release()
	var cnt int
	if write {
		cnt, err = f.Fops.Write(uv.Userbuf())
	} else {
		cnt, err = f.Fops.Read(uv.Userbuf())
	}
	if err != 0 {
		return int64(err)
	}
	return int64(cnt)
}

func fstatSyscall(pp *proc.ProcPrivate_t, fdno int, as *vm.Vm_t, uva int) defs.Err_t {
	f, err := fdLookup(pp, fdno)
	if err != 0 {
		return err
	}
	var st stat.Stat_t
	if err := f.Fops.Fstat(st.Bytes()); err != 0 {
		return err
	}
	return as.K2user(st.Bytes(), uva)
}

func dupSyscall(pp *proc.ProcPrivate_t, fdno int) (int, defs.Err_t) {
	f, err := fdLookup(pp, fdno)
	if err != 0 {
		return 0, err
	}
	nf, err := fd.Copyfd(f)
	if err != 0 {
		return 0, err
	}
	return fdAlloc(pp, nf)
}

func pipeSyscall(pp *proc.ProcPrivate_t, as *vm.Vm_t, uva int) defs.Err_t {
	p, err := fd.MkPipe(pp.PM)
	if err != 0 {
		return err
	}
	rfd, err := fdAlloc(pp, &fd.Fd_t{Fops: fd.MkPipeFd(p, false), Perms: fd.FD_READ})
	if err != 0 {
		return err
	}
	wfd, err := fdAlloc(pp, &fd.Fd_t{Fops: fd.MkPipeFd(p, true), Perms: fd.FD_WRITE})
	if err != 0 {
		pp.Fds[rfd] = nil
		return err
	}
	if err := as.Userwriten(uva, 4, rfd); err != 0 {
		return err
	}
	return as.Userwriten(uva+4, 4, wfd)
}

func chdirSyscall(pp *proc.ProcPrivate_t, path ustr.Ustr) defs.Err_t {
	full := resolve(pp, path)
	g, err := RootFs.Namei(full)
	if err != 0 {
		return err
	}
	ip := g.Value()
	if ip.Type != fs.I_DIR {
		g.Done()
		return -defs.ChdirNotDir
	}
	ino := ip.Ino
	g.Done()

	nfd := fd.MkInodeFile(RootFs, ino, false)
	pp.Cwd.Lock()
	old := pp.Cwd.Fd
	pp.Cwd.Fd = &fd.Fd_t{Fops: nfd, Perms: fd.FD_READ}
	pp.Cwd.Path = full
	pp.Cwd.Unlock()
	if old != nil {
		old.Fops.Close()
	}
	return 0
}

func mkdirSyscall(pp *proc.ProcPrivate_t, path ustr.Ustr) defs.Err_t {
	full := resolve(pp, path)
	dirg, name, err := RootFs.NameiParent(full)
	if err != 0 {
		return err
	}
	dir := dirg.Value()
	defer dirg.Done()

	RootFs.BeginTx()
	defer RootFs.EndTx()
	ig, err := RootFs.Ialloc(fs.I_DIR)
	if err != 0 {
		return err
	}
	defer ig.Done()
	child := ig.Value()
	child.Nlink = 2
	child.Update()
	if err := RootFs.Dirlink(child, ustr.MkUstrDot(), child.Ino); err != 0 {
		return err
	}
	if err := RootFs.Dirlink(child, ustr.DotDot, dir.Ino); err != 0 {
		return err
	}
	if err := RootFs.Dirlink(dir, name, child.Ino); err != 0 {
		return err
	}
	dir.Nlink++
	dir.Update()
	return 0
}

func unlinkSyscall(pp *proc.ProcPrivate_t, path ustr.Ustr) defs.Err_t {
	full := resolve(pp, path)
	dirg, name, err := RootFs.NameiParent(full)
	if err != 0 {
		return err
	}
	dir := dirg.Value()
	defer dirg.Done()

	childg, off, err := RootFs.Dirlookup(dir, name)
	if err != 0 {
		return err
	}
	child := childg.Value()
	if child.Type == fs.I_DIR && !RootFs.Dirempty(child) {
		childg.Done()
		return -defs.DirectoryNotEmpty
	}

	RootFs.BeginTx()
	defer RootFs.EndTx()
	defer childg.Done()
	if err := RootFs.Dirunlink(dir, off); err != 0 {
		return err
	}
	if child.Type == fs.I_DIR {
		// the removed name and the directory's own "." entry both go
		// away, as does the child's ".." reference to the parent.
		child.Nlink -= 2
		dir.Nlink--
		dir.Update()
	} else {
		child.Nlink--
	}
	child.Update()
	if child.Nlink == 0 && child.Opens == 0 {
		RootFs.Ifree(child)
	}
	return 0
}

func linkSyscall(pp *proc.ProcPrivate_t, oldp, newp ustr.Ustr) defs.Err_t {
	oldg, err := RootFs.Namei(resolve(pp, oldp))
	if err != 0 {
		return err
	}
	ino := oldg.Value().Ino
	isDir := oldg.Value().Type == fs.I_DIR
	oldg.Done()
	if isDir {
		// hard links to directories would let the tree cycle; only
		// non-directory entries may be link targets.
		return -defs.NotADirectory
	}

	dirg, name, err := RootFs.NameiParent(resolve(pp, newp))
	if err != 0 {
		return err
	}
	defer dirg.Done()

	RootFs.BeginTx()
	defer RootFs.EndTx()
	if err := RootFs.Dirlink(dirg.Value(), name, ino); err != 0 {
		return err
	}
	tg, err := RootFs.Iget(ino)
	if err != 0 {
		return err
	}
	tg.Value().Nlink++
	tg.Value().Update()
	tg.Done()
	return 0
}
