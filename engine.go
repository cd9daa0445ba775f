package main

import (
	"regexp"
	"strings"
)

// memoEntry is what MemoCache remembers per input URL: a resolved
// (section, canonical-URL) pair. Misses are never memoized (spec.md
// §4.2 step 4), so every entry that exists is a match.
type memoEntry struct {
	section *Section
	url     string
}

// MemoCache remembers the resolved store-id for every input URL seen
// under the ConfigSnapshot that owns it. It is created fresh alongside
// each snapshot and discarded when the snapshot is replaced; the
// protocol loop goroutine is its only reader and writer, so it carries
// no lock (spec.md §4.3 "owned by the rule engine for the life of one
// snapshot, never evicted, never shared across a reload").
type MemoCache struct {
	entries map[string]memoEntry
}

func newMemoCache() *MemoCache {
	return &MemoCache{entries: make(map[string]memoEntry)}
}

// backrefRe finds Perl-style \1..\9 backreferences so replacement
// templates authored against the original Python dedup.py (which used
// re.sub's \N syntax) can be translated into Go's $N syntax before
// being handed to regexp.Regexp.ReplaceAllString.
var backrefRe = regexp.MustCompile(`\\([1-9])`)

func toGoTemplate(replacement string) string {
	return backrefRe.ReplaceAllString(replacement, `${$1}`)
}

// matchSection reports whether url is matched by any pattern in sec,
// and if so returns the rewritten URL and true. A "match" is judged by
// the Python original's re.subn discipline: the substitution COUNT
// must be nonzero, not merely "the output string differs from the
// input" (an identity substitution where \1 reproduces the same text
// still counts as a match). spec.md §4.2.
func matchSection(sec *Section, url string) (string, bool) {
	tmpl := toGoTemplate(sec.Replacement)
	for _, p := range sec.Patterns {
		locs := p.Regexp.FindAllStringIndex(url, -1)
		if len(locs) == 0 {
			continue
		}
		return p.Regexp.ReplaceAllString(url, tmpl), true
	}
	return "", false
}

// Resolve computes the store-id for rawURL under snap, consulting and
// populating cache as it goes. It walks snap.Sections in order and,
// within each section, its patterns in order; the first section whose
// first matching pattern fires wins (spec.md §4.2 "first matching
// section, first matching pattern within it").
//
// matched reports whether any section matched at all; when it is
// false, storeID is rawURL unchanged, nothing is memoized, and the
// protocol layer replies ERR.
// cachedFlag reports whether this call was served from MemoCache
// without doing any further regex work (spec.md §4.2 step 1, and the
// testable property that Resolve is idempotent on repeat calls); the
// protocol layer uses it, together with section.Fetch, to decide
// prefetch enqueue eligibility (spec.md §4.4 "not previously
// cache-resolved").
func Resolve(snap *ConfigSnapshot, cache *MemoCache, rawURL string) (storeID string, section *Section, matched bool, cachedFlag bool) {
	if e, ok := cache.entries[rawURL]; ok {
		return e.url, e.section, true, true
	}

	for _, sec := range snap.Sections {
		if rewritten, ok := matchSection(sec, rawURL); ok {
			cache.entries[rawURL] = memoEntry{section: sec, url: rewritten}
			return rewritten, sec, true, false
		}
	}

	// No section matched: record nothing, per spec.md §4.2 step 4 and
	// the original's Dedup.parse, which falls through on a miss
	// without ever touching self._cache.
	return rawURL, nil, false, false
}

// stripTrailingCR mirrors the original protocol's tolerance for
// CRLF-terminated input lines from Squid (spec.md §13 Open Question
// decision: trailing CR stripped before parsing).
func stripTrailingCR(line string) string {
	return strings.TrimRight(line, "\r")
}
