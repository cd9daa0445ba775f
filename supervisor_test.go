package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSupervisorPublishAndStartWiresPrefetchAndLoop(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "primary.conf", `
[global]
fetch_threads = 1
`)
	s := newSupervisor(primary, nil)
	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	s.publishAndStart(snap)
	defer s.prefetch.Stop(time.Second)

	if s.snapHandle.current().snap != snap {
		t.Error("expected the published snapshot to be retrievable")
	}
	if s.prefetch == nil {
		t.Fatal("expected a prefetcher to be created")
	}
}

func TestSupervisorMaybeReloadPicksUpSignalFlag(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "primary.conf", `
[global]

[a]
match = ^http://x/(.*)
replace = http://y/\1
`)
	s := newSupervisor(primary, nil)
	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	s.publishAndStart(snap)
	defer s.prefetch.Stop(time.Second)

	// Rewrite the primary file with a new section and force the reload
	// flag, as HUP would.
	if err := os.WriteFile(primary, []byte(`
[global]

[a]
match = ^http://x/(.*)
replace = http://z/\1
`), 0644); err != nil {
		t.Fatalf("rewrite primary: %v", err)
	}
	future := time.Now().Add(time.Hour)
	_ = os.Chtimes(primary, future, future)

	s.reload.Store(true)
	s.maybeReload()

	got := s.snapHandle.current().snap
	if len(got.Sections) != 1 || got.Sections[0].Replacement != `http://z/\1` {
		t.Errorf("expected reload to pick up the new replacement, got %+v", got.Sections)
	}
}

func TestSupervisorMaybeReloadKeepsOldSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "primary.conf", `
[global]
`)
	s := newSupervisor(primary, nil)
	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	s.publishAndStart(snap)
	defer s.prefetch.Stop(time.Second)

	if err := os.Remove(primary); err != nil {
		t.Fatalf("remove primary: %v", err)
	}

	s.reload.Store(true)
	s.maybeReload()

	if s.snapHandle.current().snap != snap {
		t.Error("expected the previous snapshot to survive a failed reload")
	}
}

func TestSupervisorShutdownStopsPrefetch(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "primary.conf", `
[global]
fetch_threads = 2
`)
	s := newSupervisor(primary, nil)
	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	s.publishAndStart(snap)
	s.shutdown()

	if supervisorState(s.state.Load()) != stateExited {
		t.Errorf("expected state EXITED after shutdown, got %v", s.state.Load())
	}
}

func TestSupervisorRunFailsFastOnMissingPrimary(t *testing.T) {
	s := newSupervisor(filepath.Join(t.TempDir(), "missing.conf"), nil)
	if err := s.Run(); err == nil {
		t.Fatal("expected Run to return an error for a missing primary file")
	}
}
