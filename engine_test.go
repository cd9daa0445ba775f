package main

import (
	"regexp"
	"testing"
)

func newSection(name, match, replace string, fetch bool) *Section {
	return &Section{
		Name:        name,
		Patterns:    []Pattern{{Source: match, Regexp: regexp.MustCompile(match)}},
		Replacement: replace,
		Fetch:       fetch,
	}
}

func TestResolveFirstSectionWins(t *testing.T) {
	snap := &ConfigSnapshot{Sections: []*Section{
		newSection("a", `^https?://img(\d+)\.example\.com/(.*)$`, `http://img.example.com/\2`, false),
		newSection("b", `^https?://.*\.example\.com/(.*)$`, `http://example.com/\1`, false),
	}}
	cache := newMemoCache()

	got, sec, matched, cached := Resolve(snap, cache, "http://img3.example.com/path/file.jpg")
	if !matched {
		t.Fatal("expected a match")
	}
	if cached {
		t.Error("first call should not be a cache hit")
	}
	if got != "http://img.example.com/path/file.jpg" {
		t.Errorf("got %q", got)
	}
	if sec.Name != "a" {
		t.Errorf("expected section a to win, got %s", sec.Name)
	}
}

func TestResolveNoMatchReturnsInput(t *testing.T) {
	snap := &ConfigSnapshot{Sections: []*Section{
		newSection("a", `^https?://img\.example\.com/(.*)$`, `http://example.com/\1`, false),
	}}
	cache := newMemoCache()

	got, sec, matched, _ := Resolve(snap, cache, "http://other.example.com/x")
	if matched {
		t.Fatal("expected no match")
	}
	if got != "http://other.example.com/x" {
		t.Errorf("got %q", got)
	}
	if sec != nil {
		t.Errorf("expected nil section")
	}
}

func TestResolveMemoizes(t *testing.T) {
	snap := &ConfigSnapshot{Sections: []*Section{
		newSection("a", `^https?://img\.example\.com/(.*)$`, `http://example.com/\1`, true),
	}}
	cache := newMemoCache()

	url := "http://img.example.com/x.jpg"
	first, _, _, firstCached := Resolve(snap, cache, url)
	second, sec, matched, secondCached := Resolve(snap, cache, url)
	if firstCached {
		t.Error("first call should not be a cache hit")
	}
	if !secondCached {
		t.Error("second call should be a cache hit")
	}
	if first != second {
		t.Errorf("memoized result changed: %q vs %q", first, second)
	}
	if !matched || sec == nil || !sec.Fetch {
		t.Errorf("expected memoized lookup to still resolve fetch-eligible section")
	}
}

func TestIdentitySubstitutionStillCountsAsMatch(t *testing.T) {
	// \1 reproduces the same text; the match must still count because
	// it is judged by substitution count, not string inequality.
	snap := &ConfigSnapshot{Sections: []*Section{
		newSection("noop", `^(http://example\.com/.*)$`, `\1`, false),
	}}
	cache := newMemoCache()

	url := "http://example.com/same"
	got, sec, matched, _ := Resolve(snap, cache, url)
	if !matched {
		t.Fatal("expected identity substitution to count as a match")
	}
	if got != url {
		t.Errorf("got %q", got)
	}
	if sec == nil || sec.Name != "noop" {
		t.Errorf("expected noop section returned")
	}
}

func TestResolveMissIsNotMemoized(t *testing.T) {
	snap := &ConfigSnapshot{Sections: []*Section{
		newSection("a", `^https?://img\.example\.com/(.*)$`, `http://example.com/\1`, false),
	}}
	cache := newMemoCache()
	url := "http://other.example.com/x"

	Resolve(snap, cache, url)
	if _, ok := cache.entries[url]; ok {
		t.Fatal("a miss must not be recorded in MemoCache")
	}

	_, _, matched, cached := Resolve(snap, cache, url)
	if matched {
		t.Fatal("expected no match")
	}
	if cached {
		t.Error("a repeated miss must not be reported as a cache hit, since nothing was cached")
	}
}

func TestStripTrailingCR(t *testing.T) {
	if got := stripTrailingCR("hello\r"); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := stripTrailingCR("hello"); got != "hello" {
		t.Errorf("got %q", got)
	}
}
