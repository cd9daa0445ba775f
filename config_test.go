package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadInitialBasic(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "primary.conf", `
[global]
intdomain = squid.internal
fetch_threads = 3
fetch_delay = 0
auto_reload = true

[sourceforge]
match = ^http://[\w.-]+\.dl\.sourceforge\.net/(.*)
replace = http://dl.sourceforge.net.%(internal_domain)s/\1
fetch = true
`)

	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if snap.FetchWorkers != 3 {
		t.Errorf("FetchWorkers = %d, want 3", snap.FetchWorkers)
	}
	if !snap.AutoReload {
		t.Error("AutoReload should be true")
	}
	if len(snap.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(snap.Sections))
	}
	sec := snap.Sections[0]
	if sec.Replacement != `http://dl.sourceforge.net.squid.internal/\1` {
		t.Errorf("replacement not interpolated: %q", sec.Replacement)
	}
	if !sec.Fetch {
		t.Error("expected fetch=true")
	}
}

func TestLoadInitialMissingFileIsFatal(t *testing.T) {
	_, err := LoadInitial("/nonexistent/path/primary.conf")
	if err == nil {
		t.Fatal("expected an error for a missing primary file")
	}
}

func TestDuplicateSectionAcrossFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	aux := writeFile(t, dir, "aux.conf", `
[dup]
match = ^http://a/(.*)
replace = http://a.canon/\1
`)
	primary := writeFile(t, dir, "primary.conf", `
[global]
include = `+aux+`

[dup]
match = ^http://b/(.*)
replace = http://b.canon/\1
`)

	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if len(snap.Sections) != 1 {
		t.Fatalf("expected exactly one surviving section, got %d", len(snap.Sections))
	}
	if snap.Sections[0].Replacement != `http://b.canon/\1` {
		t.Errorf("expected the primary-file section to win, got %q", snap.Sections[0].Replacement)
	}
}

func TestSectionMissingReplaceIsSkipped(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "primary.conf", `
[global]

[broken]
match = ^http://x/(.*)
`)
	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if len(snap.Sections) != 0 {
		t.Fatalf("expected the invalid section to be skipped, got %d sections", len(snap.Sections))
	}
}

func TestNeedsReloadDetectsMtimeAdvance(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "primary.conf", `
[global]
`)
	snap, err := LoadInitial(primary)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if NeedsReload(snap) {
		t.Fatal("freshly loaded snapshot should not need reload")
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(primary, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if !NeedsReload(snap) {
		t.Fatal("expected NeedsReload to report true after mtime advance")
	}
}

func TestGetIntAutoBase(t *testing.T) {
	s := &iniSection{options: []iniOption{
		{key: "dec", value: "42"},
		{key: "hex", value: "0x2a"},
		{key: "oct", value: "052"},
	}}
	if v := getInt(s, "dec", 0); v != 42 {
		t.Errorf("dec: got %d", v)
	}
	if v := getInt(s, "hex", 0); v != 42 {
		t.Errorf("hex: got %d", v)
	}
	if v := getInt(s, "oct", 0); v != 42 {
		t.Errorf("oct: got %d", v)
	}
}

func TestGetBoolVariants(t *testing.T) {
	s := &iniSection{options: []iniOption{
		{key: "a", value: "Yes"},
		{key: "b", value: "OFF"},
		{key: "c", value: "1"},
	}}
	if !getBool(s, "a", false) {
		t.Error("Yes should be true")
	}
	if getBool(s, "b", true) {
		t.Error("OFF should be false")
	}
	if !getBool(s, "c", false) {
		t.Error("1 should be true")
	}
}

func TestGetListTrimsAndDropsEmpties(t *testing.T) {
	s := &iniSection{options: []iniOption{
		{key: "items", value: " a ,, b ,c"},
	}}
	got := getList(s, "items", ",")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
