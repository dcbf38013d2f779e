package proc

import (
	"sync"
	"testing"
	"time"

	"kern/defs"
	"kern/fd"
	"kern/fdops"
	"kern/ksync"
	"kern/mem"
)

// fakeRootFops is a no-op Fdops_i standing in for a real root-directory
// inode, just enough for Spawn/Fork to duplicate a Cwd_t's fd.
type fakeRootFops struct{}

func (fakeRootFops) Close() defs.Err_t                          { return 0 }
func (fakeRootFops) Reopen() defs.Err_t                         { return 0 }
func (fakeRootFops) Fstat(st []uint8) defs.Err_t                { return 0 }
func (fakeRootFops) Read(dst fdops.Userio_i) (int, defs.Err_t)  { return 0, 0 }
func (fakeRootFops) Write(src fdops.Userio_i) (int, defs.Err_t) { return 0, 0 }
func (fakeRootFops) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return 0, 0
}

func testCwd() *fd.Cwd_t {
	return fd.MkRootCwd(&fd.Fd_t{Fops: fakeRootFops{}, Perms: fd.FD_READ})
}

func TestForkWaitExit(t *testing.T) {
	pm := mem.NewPageManager(256)
	cwd := testCwd()

	done := make(chan struct{})
	var childPid defs.Pid_t

	init, err := Spawn(pm, cwd, "init", func(p *ProcSlot_t) {
		pid, ferr := Fork(p, func(child *ProcSlot_t) {
			Exit(child, 7)
		})
		if ferr != 0 {
			t.Errorf("fork failed: %v", ferr)
			close(done)
			return
		}
		childPid = pid

		gotPid, status, werr := Wait(p, pid)
		if werr != 0 {
			t.Errorf("wait failed: %v", werr)
		}
		if gotPid != pid {
			t.Errorf("wait returned pid %d, want %d", gotPid, pid)
		}
		if status != 7 {
			t.Errorf("wait returned status %d, want 7", status)
		}
		close(done)
	})
	if err != 0 {
		t.Fatalf("spawn failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fork/wait/exit to finish")
	}
	if childPid == 0 || childPid == init.Pid {
		t.Errorf("child pid %d should be nonzero and distinct from init's %d", childPid, init.Pid)
	}
}

func TestWaitNoChildren(t *testing.T) {
	pm := mem.NewPageManager(64)
	cwd := testCwd()

	done := make(chan struct{})
	var gotErr defs.Err_t
	_, err := Spawn(pm, cwd, "lonely", func(p *ProcSlot_t) {
		_, _, gotErr = Wait(p, 0)
		close(done)
	})
	if err != 0 {
		t.Fatalf("spawn failed: %v", err)
	}
	<-done
	if gotErr != -defs.NoWaitTarget {
		t.Errorf("wait with no children returned %v, want NoWaitTarget", gotErr)
	}
}

func TestKillWakesSleeper(t *testing.T) {
	pm := mem.NewPageManager(64)
	cwd := testCwd()

	var mu sync.Mutex
	var cv ksync.Condvar_t
	asleep := make(chan struct{})
	woke := make(chan defs.Err_t, 1)

	slot, err := Spawn(pm, cwd, "sleeper", func(p *ProcSlot_t) {
		mu.Lock()
		close(asleep)
		woke <- p.Sleep(&cv, &mu)
		mu.Unlock()
	})
	if err != 0 {
		t.Fatalf("spawn failed: %v", err)
	}

	<-asleep
	time.Sleep(10 * time.Millisecond) // let the sleeper register before Kill

	if kerr := Kill(slot.Pid); kerr != 0 {
		t.Fatalf("kill failed: %v", kerr)
	}

	select {
	case got := <-woke:
		if got != -defs.SleepingProcessAlreadyKilled {
			t.Errorf("sleeper woke with %v, want SleepingProcessAlreadyKilled", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("killed sleeper never woke")
	}
}

func TestPstateString(t *testing.T) {
	for s := Unused; s <= Zombie; s++ {
		if got := s.String(); got == "?" {
			t.Errorf("Pstate_t(%d).String() returned the unknown placeholder", s)
		}
	}
}
