package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"storeidhelper/logger"
	"storeidhelper/metrics"
)

// prefetchJob is one (canonical, original) pair offered to the queue,
// grounded on spec.md §3's PrefetchQueue element and the teacher's
// prefetchJob shape in _examples/dongchenxie-rerouter/prefetch.go.
type prefetchJob struct {
	canonical string
	original  string
}

// PrefetchLedger is the process-wide dedup map surviving config
// reloads (spec.md §3 "Survives snapshot reloads"). It needs locking
// because prefetch workers run concurrently across reload boundaries;
// a single mutex is adequate since prefetch volume is low (spec.md
// §5 "fine-grained locking, or equivalent single-mutex").
type PrefetchLedger struct {
	mu      sync.Mutex
	entries map[string]map[string]struct{}
}

func newPrefetchLedger() *PrefetchLedger {
	return &PrefetchLedger{entries: make(map[string]map[string]struct{})}
}

// recordIfAbsent returns false if canonical was already ledgered (in
// which case original is merged into its set), and true the first
// time canonical is seen, ledgering original atomically with the
// check so two workers racing on the same canonical cannot both
// proceed to the network call (spec.md §4.4 steps 2-3).
func (l *PrefetchLedger) recordIfAbsent(canonical, original string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.entries[canonical]
	if !ok {
		l.entries[canonical] = map[string]struct{}{original: {}}
		return true
	}
	set[original] = struct{}{}
	return false
}

// Prefetcher runs a bounded pool of workers that pre-warm the shared
// proxy cache by fetching original URLs through the configured
// upstream proxy. Grounded on the worker-pool shape of
// _examples/dongchenxie-rerouter/prefetch.go and on
// other_examples/47bea236_joshyorko-rcc__htfs-prefetch.go.go's
// bounded-channel-plus-WaitGroup pattern.
type Prefetcher struct {
	jobs    chan prefetchJob
	ledger  *PrefetchLedger
	limiter *rate.Limiter
	client  *http.Client

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	metrics *metrics.Registry
}

const prefetchQueueDepth = 256
const prefetchChunkSize = 8 * 1024

// NewPrefetcher builds a Prefetcher configured from snap; the ledger
// is supplied separately because it survives across snapshots while
// everything else here is rebuilt per-reload (spec.md §3).
func NewPrefetcher(snap *ConfigSnapshot, ledger *PrefetchLedger, reg *metrics.Registry) *Prefetcher {
	transport := &http.Transport{}
	if proxyURL := proxyForScheme(snap); proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	var lim *rate.Limiter
	if snap.FetchDelay > 0 {
		lim = rate.NewLimiter(rate.Every(snap.FetchDelay), 1)
	} else {
		lim = rate.NewLimiter(rate.Inf, 1)
	}

	return &Prefetcher{
		jobs:    make(chan prefetchJob, prefetchQueueDepth),
		ledger:  ledger,
		limiter: lim,
		client:  &http.Client{Timeout: 30 * time.Second, Transport: transport},
		stopCh:  make(chan struct{}),
		metrics: reg,
	}
}

// proxyForScheme picks https_proxy when set, falling back to
// http_proxy; both are optional (spec.md §3).
func proxyForScheme(snap *ConfigSnapshot) *url.URL {
	raw := snap.HTTPSProxy
	if raw == "" {
		raw = snap.HTTPProxy
	}
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		logger.Errorw("prefetch_proxy_parse_error", map[string]interface{}{"proxy": raw, "err": err.Error()})
		return nil
	}
	return u
}

// Start launches n worker goroutines. n == 0 means prefetch is
// disabled (spec.md §3 "fetch_workers: integer >= 0. Zero disables
// prefetch.") and Start is a no-op in that case.
func (p *Prefetcher) Start(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Enqueue offers (canonical, original) to the bounded queue without
// blocking; a full queue drops the item and logs it, preferring
// request latency over prefetch completeness (spec.md §4.4 "Bounds
// and policies").
func (p *Prefetcher) Enqueue(canonical, original string) {
	select {
	case p.jobs <- prefetchJob{canonical: canonical, original: original}:
		if p.metrics != nil {
			p.metrics.PrefetchQueueLen.Set(float64(len(p.jobs)))
		}
	default:
		logger.Warnw("prefetch_queue_full_dropped", map[string]interface{}{"canonical": canonical, "original": original})
		if p.metrics != nil {
			p.metrics.PrefetchTotal.WithLabelValues("dropped").Inc()
		}
	}
}

// Stop signals all workers to exit and blocks until they have (or the
// deadline passes, whichever is first); a forced return after timeout
// is acceptable since prefetch is best-effort (spec.md §4.5
// "Shutdown").
func (p *Prefetcher) Stop(timeout time.Duration) {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warnw("prefetch_stop_timeout_forced", nil)
	}
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			if p.metrics != nil {
				p.metrics.PrefetchQueueLen.Set(float64(len(p.jobs)))
			}
			p.handle(job)
		}
	}
}

// handle implements spec.md §4.4's worker contract steps 2-7.
func (p *Prefetcher) handle(job prefetchJob) {
	if !p.ledger.recordIfAbsent(job.canonical, job.original) {
		return
	}

	if err := p.limiter.Wait(context.Background()); err != nil {
		logger.Errorw("prefetch_rate_limiter_error", map[string]interface{}{"err": err.Error()})
	}

	req, err := http.NewRequest(http.MethodGet, job.original, nil)
	if err != nil {
		logger.Errorw("prefetch_build_request_error", map[string]interface{}{"err": err.Error(), "original": job.original})
		p.countOutcome("error")
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logger.Errorw("prefetch_fetch_error", map[string]interface{}{"err": err.Error(), "original": job.original})
		p.countOutcome("error")
		return
	}
	defer resp.Body.Close()

	if isCacheHit(resp) {
		logger.Debugw("prefetch_already_cached", map[string]interface{}{"original": job.original})
		p.countOutcome("cache_hit")
		return
	}

	p.drain(resp.Body)
	p.countOutcome("fetched")
}

// isCacheHit interprets an X-Cache header starting with HIT as "the
// proxy already has this object", matching spec.md §4.4 step 5.
func isCacheHit(resp *http.Response) bool {
	v := resp.Header.Get("X-Cache")
	return len(v) >= 3 && (v[0] == 'H' || v[0] == 'h') && (v[1] == 'I' || v[1] == 'i') && (v[2] == 'T' || v[2] == 't')
}

// drain reads and discards the body in fixed-size chunks, stopping
// early on shutdown (spec.md §4.4 step 6).
func (p *Prefetcher) drain(r io.Reader) {
	buf := make([]byte, prefetchChunkSize)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		_, err := r.Read(buf)
		if err != nil {
			return
		}
	}
}

func (p *Prefetcher) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.PrefetchTotal.WithLabelValues(outcome).Inc()
	}
}
