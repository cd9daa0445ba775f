package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"storeidhelper/logger"
)

// Pattern is one compiled match regex plus the source string it was
// compiled from (kept for diagnostics and for hot-reload comparisons).
type Pattern struct {
	Source string
	Regexp *regexp.Regexp
}

// Section is one named rewrite rule: an ordered list of patterns, a
// replacement template (already interpolated, still carrying \N
// backreferences), and whether it feeds the prefetch queue.
//
// Grounded on spec.md §3's Section record and
// _examples/original_source/squid_dedup/dedup.py's
// `section.match` / `section.replace` / `section.fetch` fields.
type Section struct {
	Name        string
	Patterns    []Pattern
	Replacement string
	Fetch       bool
	SourcePath  string
	SourceMtime time.Time
}

const globalSectionName = "global"

// ConfigSnapshot is an immutable, atomically-published configuration.
// No field is ever mutated after LoadInitial/Reload returns it.
type ConfigSnapshot struct {
	InternalDomain  string
	HTTPProxy       string
	HTTPSProxy      string
	FetchWorkers    int
	FetchDelay      time.Duration
	AutoReload      bool
	ProtocolLogPath string
	LogLevel        string
	LogFile         string
	SyslogLevel     string
	MetricsAddr     string

	Sections []*Section

	PrimaryPath  string
	PrimaryMtime time.Time

	// contributingFiles maps every path whose mtime bears on this
	// snapshot's freshness (primary + each section's source file) to
	// the mtime recorded when it was loaded.
	contributingFiles map[string]time.Time
}

// ConfigError is returned for any condition spec.md treats as a fatal
// load failure (missing or malformed primary file).
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LoadInitial reads the primary rule file and every auxiliary file its
// `include` globs resolve to, and returns an immutable snapshot.
func LoadInitial(primaryPath string) (*ConfigSnapshot, error) {
	return loadSnapshot(primaryPath)
}

// Reload has the same contract as LoadInitial: it builds a brand new
// snapshot without touching any previously published one.
func Reload(primaryPath string) (*ConfigSnapshot, error) {
	return loadSnapshot(primaryPath)
}

func loadSnapshot(primaryPath string) (*ConfigSnapshot, error) {
	info, err := os.Stat(primaryPath)
	if err != nil {
		return nil, &ConfigError{Path: primaryPath, Err: err}
	}
	primary, err := parseINIFile(primaryPath)
	if err != nil {
		return nil, &ConfigError{Path: primaryPath, Err: err}
	}

	snap := &ConfigSnapshot{
		PrimaryPath:       primaryPath,
		PrimaryMtime:      info.ModTime(),
		contributingFiles: map[string]time.Time{primaryPath: info.ModTime()},
		FetchWorkers:      0,
		AutoReload:        false,
	}

	g := primary.section(globalSectionName)
	if g != nil {
		if err := applyGlobals(snap, g); err != nil {
			return nil, &ConfigError{Path: primaryPath, Err: err}
		}
	}

	vars := interpolationVars(snap)

	seenNames := map[string]bool{globalSectionName: true}

	// Sections declared directly in the primary file (besides [global]).
	for _, s := range primary.sections {
		if s.name == globalSectionName {
			continue
		}
		addSection(snap, s, primaryPath, info.ModTime(), vars, seenNames)
	}

	// Resolve `include` globs, sorted, each file loaded in turn.
	includes := getList(g, "include", ",")
	var includePaths []string
	for _, pattern := range includes {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			logger.Errorw("config_include_glob_error", map[string]interface{}{"pattern": pattern, "err": err.Error()})
			continue
		}
		includePaths = append(includePaths, matches...)
	}
	sort.Strings(includePaths)

	for _, path := range includePaths {
		auxInfo, err := os.Stat(path)
		if err != nil {
			logger.Errorw("config_include_stat_error", map[string]interface{}{"path": path, "err": err.Error()})
			continue
		}
		aux, err := parseINIFile(path)
		if err != nil {
			logger.Errorw("config_include_parse_error", map[string]interface{}{"path": path, "err": err.Error()})
			continue
		}
		snap.contributingFiles[path] = auxInfo.ModTime()
		for _, s := range aux.sections {
			if s.name == globalSectionName {
				logger.Warnw("config_global_in_auxiliary_ignored", map[string]interface{}{"path": path})
				continue
			}
			addSection(snap, s, path, auxInfo.ModTime(), vars, seenNames)
		}
	}

	return snap, nil
}

var allowedLogLevels = []string{"debug", "trace", "info", "warn", "warning", "error", "err"}

func applyGlobals(snap *ConfigSnapshot, g *iniSection) error {
	snap.InternalDomain = getString(g, "intdomain", "")
	snap.HTTPProxy = getString(g, "http_proxy", "")
	snap.HTTPSProxy = getString(g, "https_proxy", "")
	snap.FetchWorkers = getInt(g, "fetch_threads", 0)
	snap.FetchDelay = time.Duration(getInt(g, "fetch_delay", 0)) * time.Second
	snap.AutoReload = getBool(g, "auto_reload", false)
	snap.ProtocolLogPath = getString(g, "protocol", "")
	snap.LogFile = getString(g, "logfile", "")
	snap.SyslogLevel = getString(g, "sysloglevel", "")
	snap.MetricsAddr = getString(g, "metrics_addr", "")

	level, err := getStringAllowed(g, "loglevel", "info", allowedLogLevels)
	if err != nil {
		return err
	}
	snap.LogLevel = level
	return nil
}

// interpolationVars builds the %(var)s substitution map from every
// string-valued global field (spec.md §4.1 "Only string values
// participate; non-string fields are skipped").
func interpolationVars(snap *ConfigSnapshot) map[string]string {
	return map[string]string{
		"internal_domain":   snap.InternalDomain,
		"http_proxy":        snap.HTTPProxy,
		"https_proxy":       snap.HTTPSProxy,
		"protocol_log_path": snap.ProtocolLogPath,
		"log_level":         snap.LogLevel,
		"log_file":          snap.LogFile,
		"syslog_level":      snap.SyslogLevel,
		"metrics_addr":      snap.MetricsAddr,
	}
}

var interpVarRe = regexp.MustCompile(`%\(([a-zA-Z0-9_]+)\)s`)

func interpolate(s string, vars map[string]string) string {
	return interpVarRe.ReplaceAllStringFunc(s, func(m string) string {
		name := interpVarRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// addSection admits s into snap.Sections if it passes spec.md §3's
// invariants: unique name across the whole snapshot, reserved "global"
// name disallowed here, at least one pattern, non-empty replacement.
// Regex compile failures and missing match/replace are logged and the
// section is skipped, never fatal (spec.md §7).
func addSection(snap *ConfigSnapshot, s *iniSection, sourcePath string, mtime time.Time, vars map[string]string, seen map[string]bool) {
	if s.name == globalSectionName {
		logger.Warnw("config_duplicate_global_ignored", map[string]interface{}{"path": sourcePath})
		return
	}
	if seen[s.name] {
		logger.Warnw("config_duplicate_section_ignored", map[string]interface{}{"name": s.name, "path": sourcePath})
		return
	}

	matchLines := getList(s, "match", "\n")
	if len(matchLines) == 0 {
		logger.Warnw("config_section_missing_match", map[string]interface{}{"name": s.name, "path": sourcePath})
		return
	}
	replace, hasReplace := s.get("replace")
	replace = interpolate(strings.TrimSpace(replace), vars)
	if !hasReplace || replace == "" {
		logger.Warnw("config_section_missing_replace", map[string]interface{}{"name": s.name, "path": sourcePath})
		return
	}

	var patterns []Pattern
	for _, m := range matchLines {
		m = interpolate(m, vars)
		re, err := regexp.Compile("(?i)" + m)
		if err != nil {
			logger.Errorw("config_regex_compile_error", map[string]interface{}{"name": s.name, "pattern": m, "err": err.Error()})
			continue
		}
		patterns = append(patterns, Pattern{Source: m, Regexp: re})
	}
	if len(patterns) == 0 {
		logger.Warnw("config_section_no_valid_patterns", map[string]interface{}{"name": s.name, "path": sourcePath})
		return
	}

	seen[s.name] = true
	snap.Sections = append(snap.Sections, &Section{
		Name:        s.name,
		Patterns:    patterns,
		Replacement: replace,
		Fetch:       getBool(s, "fetch", false),
		SourcePath:  sourcePath,
		SourceMtime: mtime,
	})
}

// NeedsReload stats every file contributing to snap and reports
// whether any advanced past the mtime recorded at load time. A stat
// failure is treated as "probably changed" (spec.md §4.1).
func NeedsReload(snap *ConfigSnapshot) bool {
	for path, recorded := range snap.contributingFiles {
		info, err := os.Stat(path)
		if err != nil {
			logger.Errorw("config_stat_error", map[string]interface{}{"path": path, "err": err.Error()})
			return true
		}
		if info.ModTime().After(recorded) {
			return true
		}
	}
	return false
}

// --- typed accessors, grounded on
// _examples/original_source/squid_dedup/lib/configfile.py's
// get/getlist/getbool/getint contract (spec.md §4.1). ---

func getString(s *iniSection, key, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.get(key); ok {
		return v
	}
	return def
}

// getStringAllowed fails the load if the value is set but outside
// allowed, matching spec.md's "An option constrained by an allow-set
// fails the load if the provided value is outside the set."
func getStringAllowed(s *iniSection, key, def string, allowed []string) (string, error) {
	v, ok := optionOf(s, key)
	if !ok {
		return def, nil
	}
	for _, a := range allowed {
		if a == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid value %q for %s (allowed: %s)", v, key, strings.Join(allowed, ", "))
}

func getBool(s *iniSection, key string, def bool) bool {
	v, ok := optionOf(s, key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	default:
		return def
	}
}

func getInt(s *iniSection, key string, def int) int {
	v, ok := optionOf(s, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return def
	}
	return int(n)
}

func getFloat(s *iniSection, key string, def float64) float64 {
	v, ok := optionOf(s, key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// getList splits an option value on splitter (comma for `include`,
// newline for `match`), trimming each token and dropping empties.
func getList(s *iniSection, key, splitter string) []string {
	v, ok := optionOf(s, key)
	if !ok {
		return nil
	}
	if splitter == "\n" {
		v = strings.ReplaceAll(v, "\r", "")
	}
	parts := strings.Split(v, splitter)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func optionOf(s *iniSection, key string) (string, bool) {
	if s == nil {
		return "", false
	}
	return s.get(key)
}
