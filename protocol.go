package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"storeidhelper/logger"
	"storeidhelper/metrics"
)

// snapshotHandle lets the protocol loop read the currently-published
// snapshot and memo cache through a single atomically-swapped pointer,
// matching spec.md §5 "Workers read the currently-published snapshot
// pointer at the top of each iteration."
type snapshotHandle struct {
	ptr atomic.Pointer[resolverState]
}

type resolverState struct {
	snap  *ConfigSnapshot
	cache *MemoCache
}

func (h *snapshotHandle) publish(snap *ConfigSnapshot) {
	h.ptr.Store(&resolverState{snap: snap, cache: newMemoCache()})
}

func (h *snapshotHandle) current() *resolverState {
	return h.ptr.Load()
}

// ProtocolLoop implements the StoreID stdio contract (spec.md §4.3):
// one line in, one line out, flushed immediately, never blocking on
// anything but the next read.
type ProtocolLoop struct {
	in        *bufio.Reader
	out       *bufio.Writer
	protoLog  *os.File
	prefetch  *Prefetcher
	state     *snapshotHandle
	reg       *metrics.Registry
	logAccess bool
}

func newProtocolLoop(in io.Reader, out io.Writer, state *snapshotHandle, prefetch *Prefetcher, reg *metrics.Registry) *ProtocolLoop {
	return &ProtocolLoop{
		in:     bufio.NewReader(in),
		out:    bufio.NewWriter(out),
		state:  state,
		prefetch: prefetch,
		reg:    reg,
	}
}

// openProtocolLog (re)opens the append-only protocol log named by the
// current snapshot, if any. Called once at loop start and again after
// every reload, since protocol_log_path may itself change.
func (l *ProtocolLoop) openProtocolLog(path string) {
	if l.protoLog != nil {
		_ = l.protoLog.Close()
		l.protoLog = nil
	}
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Errorw("protocol_log_open_error", map[string]interface{}{"path": path, "err": err.Error()})
		return
	}
	l.protoLog = f
}

// Run reads lines until EOF, which ends the loop cleanly (spec.md
// §4.3 "Termination").
func (l *ProtocolLoop) Run() {
	for {
		line, err := l.in.ReadString('\n')
		if len(line) == 0 && err != nil {
			return
		}
		l.handleLine(strings.TrimRight(line, "\n"))
		if err != nil {
			return
		}
	}
}

// handleLine implements one request/reply exchange, reply-first
// (spec.md §4.3 "Reply-first discipline").
func (l *ProtocolLoop) handleLine(rawLine string) {
	corrID := uuid.NewString()
	line := stripTrailingCR(rawLine)

	channel, rest, concurrent := splitChannel(line)
	url, malformed := parseRequest(rest)

	var reply string
	switch {
	case malformed:
		reply = replyFor(concurrent, channel, "ERR")
	default:
		st := l.state.current()
		storeID, section, matched, cachedFlag := Resolve(st.snap, st.cache, url)
		if !matched {
			reply = replyFor(concurrent, channel, "ERR")
		} else {
			reply = replyFor(concurrent, channel, "OK store-id="+storeID)
			if section != nil && section.Fetch && !cachedFlag && l.prefetch != nil {
				l.prefetch.Enqueue(storeID, url)
			}
		}
		if l.reg != nil {
			outcome := "miss"
			if matched {
				outcome = "hit"
				if cachedFlag {
					outcome = "cached"
				}
			}
			l.reg.ResolveTotal.WithLabelValues(outcome).Inc()
		}
	}

	l.writeReply(reply)

	if logger.Enabled(logger.Debug) {
		logger.Debugw("protocol_exchange", map[string]interface{}{
			"correlation_id": corrID,
			"request":        rawLine,
			"reply":          reply,
			"malformed":      malformed,
		})
	}
	if malformed {
		logger.Errorw("protocol_malformed_input", map[string]interface{}{"correlation_id": corrID, "request": rawLine})
	}

	l.appendProtocolLog(rawLine, reply)
}

func (l *ProtocolLoop) writeReply(reply string) {
	l.out.WriteString(reply)
	l.out.WriteByte('\n')
	l.out.Flush()
}

func (l *ProtocolLoop) appendProtocolLog(request, reply string) {
	if l.protoLog == nil {
		return
	}
	if _, err := fmt.Fprintf(l.protoLog, "%s\n%s\n", request, reply); err != nil {
		logger.Errorw("protocol_log_append_error", map[string]interface{}{"err": err.Error()})
	}
}

// splitChannel detects concurrent framing: the first whitespace token
// is all decimal digits (spec.md §4.3 "Detection").
func splitChannel(line string) (channel string, rest string, concurrent bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", line, false
	}
	if !isAllDigits(fields[0]) {
		return "", line, false
	}
	idx := strings.Index(line, fields[0]) + len(fields[0])
	return fields[0], strings.TrimLeft(line[idx:], " \t"), true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseRequest extracts the URL from the (already channel-stripped)
// remainder of a request line. Options tokens after the URL are
// ignored (spec.md §6 "the helper ignores their content"). A missing
// URL is malformed input (spec.md §4.3, §8 scenarios S4/S6).
func parseRequest(rest string) (url string, malformed bool) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", true
	}
	return fields[0], false
}

// replyFor formats the reply line for either framing mode.
func replyFor(concurrent bool, channel, body string) string {
	if concurrent {
		return channel + " " + body
	}
	return body
}
