package proc

import (
	"testing"
	"time"

	"kern/defs"
	"kern/mem"
)

// TestForkUntilTableFull forks until the process table refuses, then
// harvests every child and confirms the table recovers.
func TestForkUntilTableFull(t *testing.T) {
	pm := mem.NewPageManager(2048)
	cwd := testCwd()

	done := make(chan struct{})
	_, err := Spawn(pm, cwd, "filler", func(p *ProcSlot_t) {
		defer close(done)
		release := make(chan struct{})
		forked := 0
		var lastErr defs.Err_t
		for {
			_, ferr := Fork(p, func(child *ProcSlot_t) {
				<-release
				Exit(child, 0)
			})
			if ferr != 0 {
				lastErr = ferr
				break
			}
			forked++
			if forked > NPROC {
				t.Error("fork succeeded more times than the table has slots")
				break
			}
		}
		if lastErr != -defs.NoFreeProc {
			t.Errorf("fork at table capacity = %v, want NoFreeProc", lastErr)
		}
		// earlier tests may have left unharvested slots behind, but a
		// mostly-empty table must still take a healthy number of forks.
		if forked < NPROC/2 {
			t.Errorf("only %d forks succeeded before NoFreeProc", forked)
		}

		close(release)
		for i := 0; i < forked; i++ {
			if _, _, werr := Wait(p, 0); werr != 0 {
				t.Errorf("harvest %d failed: %v", i, werr)
				return
			}
		}

		// the table must have room again.
		pid, ferr := Fork(p, func(child *ProcSlot_t) {
			Exit(child, 3)
		})
		if ferr != 0 {
			t.Errorf("fork after harvest failed: %v", ferr)
			return
		}
		if _, status, werr := Wait(p, pid); werr != 0 || status != 3 {
			t.Errorf("post-harvest wait = status %d err %v, want 3", status, werr)
		}
	})
	if err != 0 {
		t.Fatalf("spawn failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("fork-until-full never finished")
	}
}
