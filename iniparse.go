package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// iniOption is one key/value pair, value already joined across any
// indented continuation lines (newline-separated), as ConfigParser's
// continuation-line behavior does.
type iniOption struct {
	key   string
	value string
}

// iniSection preserves declaration order of both sections and options,
// matching spec.md's "sections order is file-sort order... within a
// file the declaration order" requirement (spec.md §3).
type iniSection struct {
	name    string
	options []iniOption
}

func (s *iniSection) get(key string) (string, bool) {
	for _, o := range s.options {
		if o.key == key {
			return o.value, true
		}
	}
	return "", false
}

// iniFile is a parsed rule file: ordered sections, case-preserved
// section and option names (grounded on
// _examples/original_source/squid_dedup/lib/configfile.py's
// `optionxform = str`, which disables ConfigParser's default
// lower-casing of option names).
type iniFile struct {
	path     string
	sections []*iniSection
}

func (f *iniFile) section(name string) *iniSection {
	for _, s := range f.sections {
		if s.name == name {
			return s
		}
	}
	return nil
}

// parseINIFile reads and strictly parses an INI-style rule file:
// duplicate section headers and duplicate options within one section
// are parse errors (spec.md §4.1 "strict parsing").
func parseINIFile(path string) (*iniFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file := &iniFile{path: path}
	var cur *iniSection
	var lastKey string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		raw = strings.TrimRight(raw, "\r")

		if strings.TrimSpace(raw) == "" {
			continue
		}
		trimmed := strings.TrimLeft(raw, " \t")
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}

		// Continuation line: indented and we already have an option.
		if (raw[0] == ' ' || raw[0] == '\t') && cur != nil && lastKey != "" {
			for i := range cur.options {
				if cur.options[i].key == lastKey {
					cur.options[i].value += "\n" + strings.TrimSpace(raw)
					break
				}
			}
			continue
		}

		if strings.HasPrefix(trimmed, "[") {
			end := strings.IndexByte(trimmed, ']')
			if end < 0 {
				return nil, fmt.Errorf("%s:%d: malformed section header %q", path, lineNo, raw)
			}
			name := strings.TrimSpace(trimmed[1:end])
			if name == "" {
				return nil, fmt.Errorf("%s:%d: empty section name", path, lineNo)
			}
			if file.section(name) != nil {
				return nil, fmt.Errorf("%s:%d: duplicate section [%s]", path, lineNo, name)
			}
			cur = &iniSection{name: name}
			file.sections = append(file.sections, cur)
			lastKey = ""
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("%s:%d: option outside of any section", path, lineNo)
		}

		key, value, ok := splitOption(trimmed)
		if !ok {
			return nil, fmt.Errorf("%s:%d: malformed option line %q", path, lineNo, raw)
		}
		if _, exists := cur.get(key); exists {
			return nil, fmt.Errorf("%s:%d: duplicate option %q in section [%s]", path, lineNo, key, cur.name)
		}
		cur.options = append(cur.options, iniOption{key: key, value: value})
		lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return file, nil
}

// splitOption splits "key = value" or "key: value" the way
// ConfigParser does (first '=' or ':' wins, whichever comes first).
func splitOption(line string) (key, value string, ok bool) {
	eq := strings.IndexByte(line, '=')
	colon := strings.IndexByte(line, ':')
	idx := eq
	if idx < 0 || (colon >= 0 && colon < idx) {
		idx = colon
	}
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
