// Package gateway implements GatewayFetcher, the component that goes
// out to the network when every tier misses (spec §4.7): local daemon
// first, then local HTTP, then an ordered list of public gateways, each
// attempt rate-limited, circuit-broken, and retried with backoff.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/metrics"
	"github.com/caskit/gateway/internal/observability"
)

// SourceKind distinguishes the three fetch source shapes spec §4.7 names.
type SourceKind string

const (
	SourceUnixSocket    SourceKind = "unix_socket"
	SourceLocalHTTP     SourceKind = "local_http"
	SourcePublicGateway SourceKind = "public_gateway"
)

// Source is one place GatewayFetcher can try. For unix-socket sources,
// SocketPath is a filesystem socket path and URLTemplate is the HTTP path
// issued over that socket; for HTTP sources, URLTemplate is a full URL
// template with a single "%s" CID placeholder.
type Source struct {
	Kind         SourceKind
	Name         string
	URLTemplate  string
	SocketPath   string
}

// State is the per-fetch state machine from spec §4.7.
type State string

const (
	StateIdle      State = "idle"
	StateProbing   State = "probing"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Attempt records one source try, win or lose, for telemetry (spec §4.7:
// "per-attempt accounting: source, bytes, wall_time, outcome").
type Attempt struct {
	Source   string
	Bytes    int64
	WallTime time.Duration
	Outcome  string
}

const (
	streamChunkSize    = 1 << 20   // 1 MiB, spec §4.7 streaming threshold unit
	streamThreshold    = 10 << 20  // stream responses larger than 10 MiB
	progressThreshold  = 100 << 20 // emit progress telemetry above 100 MiB
)

// Config tunes retry/rate-limit/circuit-breaker behavior per source.
type Config struct {
	RequestTimeout      time.Duration
	RateLimitPerSecond  float64
	RateLimitBurst      int
	CircuitMaxRequests  uint32
	CircuitTimeout      time.Duration
	MaxRetries          uint64
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 10
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
	if c.CircuitMaxRequests == 0 {
		c.CircuitMaxRequests = 5
	}
	if c.CircuitTimeout <= 0 {
		c.CircuitTimeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// ProgressFunc receives (bytesRead, totalBytes) during a streamed download
// above progressThreshold. totalBytes is -1 when the source didn't send a
// Content-Length.
type ProgressFunc func(bytesRead, totalBytes int64)

// Fetcher is GatewayFetcher: it tries Sources in order until one succeeds.
type Fetcher struct {
	sources []Source
	cfg     Config
	log     observability.Logger
	client  *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker

	state   State
	metrics *metrics.Collector
}

// SetMetrics attaches a Collector every fetch attempt reports to. Optional.
func (f *Fetcher) SetMetrics(m *metrics.Collector) {
	f.metrics = m
}

// New creates a Fetcher trying sources strictly in the order given: the
// caller is responsible for ordering unix-socket local daemon first, then
// local HTTP, then public gateways (spec §4.7 source-selection order).
func New(sources []Source, cfg Config, log observability.Logger) *Fetcher {
	cfg.applyDefaults()
	if log == nil {
		log = observability.NewNoopLogger()
	}
	return &Fetcher{
		sources:  sources,
		cfg:      cfg,
		log:      log,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		state:    StateIdle,
	}
}

func (f *Fetcher) limiterFor(name string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.cfg.RateLimitPerSecond), f.cfg.RateLimitBurst)
		f.limiters[name] = l
	}
	return l
}

func (f *Fetcher) breakerFor(name string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: f.cfg.CircuitMaxRequests,
			Timeout:     f.cfg.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		f.breakers[name] = b
	}
	return b
}

// Result is what Fetch returns on success, plus the full attempt ledger
// regardless of outcome (callers inspect Attempts even on error).
type Result struct {
	Data     []byte
	Source   string
	Attempts []Attempt
}

// Fetch tries every source in order, retrying each with exponential
// backoff before moving to the next. It returns the first success; if
// every source fails it returns a KindNotFound error whose Cause lists
// each source's failure, alongside the full attempt ledger.
func (f *Fetcher) Fetch(ctx context.Context, id cid.CID) (*Result, error) {
	f.setState(StateProbing)
	result := &Result{}
	var errs error

	for _, src := range f.sources {
		data, attempts, err := f.fetchFromSource(ctx, src, id)
		result.Attempts = append(result.Attempts, attempts...)
		if err == nil {
			f.setState(StateDone)
			result.Data = data
			result.Source = src.Name
			return result, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", src.Name, err))
	}

	f.setState(StateFailed)
	// Every source was tried and none produced the content: spec §4.7
	// "all sources exhausted" is a NotFound, not whatever transport-level
	// Kind the last attempt happened to fail with. The per-source errors
	// are preserved as Cause for diagnostics.
	return result, caserr.New(caserr.KindNotFound, "gateway.fetch", id.String(), errs)
}

func (f *Fetcher) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// State returns the fetcher's current state.
func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fetcher) fetchFromSource(ctx context.Context, src Source, id cid.CID) ([]byte, []Attempt, error) {
	limiter := f.limiterFor(src.Name)
	breaker := f.breakerFor(src.Name)

	var attempts []Attempt
	var data []byte

	operation := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		f.setState(StateStreaming)
		res, err := breaker.Execute(func() (interface{}, error) {
			return f.doFetch(ctx, src, id)
		})
		wall := time.Since(start)
		if err != nil {
			outcome := "error"
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				outcome = "circuit_open"
			}
			attempts = append(attempts, Attempt{Source: src.Name, WallTime: wall, Outcome: outcome})
			if f.metrics != nil {
				f.metrics.RecordGatewayFetch(src.Name, string(src.Kind), outcome, wall)
			}
			if outcome == "circuit_open" || caserr.KindOf(err) == caserr.KindNotFound {
				return backoff.Permanent(err)
			}
			return err
		}
		data = res.([]byte)
		attempts = append(attempts, Attempt{Source: src.Name, Bytes: int64(len(data)), WallTime: wall, Outcome: "success"})
		if f.metrics != nil {
			f.metrics.RecordGatewayFetch(src.Name, string(src.Kind), "success", wall)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.cfg.MaxRetries)
	bo2 := backoff.WithContext(bo, ctx)
	err := backoff.Retry(operation, bo2)
	if err != nil {
		return nil, attempts, caserr.New(caserr.KindConnectionError, "gateway.fetch_from_source", id.String(), err)
	}
	return data, attempts, nil
}

func (f *Fetcher) doFetch(ctx context.Context, src Source, id cid.CID) ([]byte, error) {
	url := fmt.Sprintf(src.URLTemplate, id.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := f.client
	if src.Kind == SourceUnixSocket {
		client = f.unixSocketClient(src.SocketPath)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, caserr.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway %s returned status %d", src.Name, resp.StatusCode)
	}

	total := resp.ContentLength
	if total > streamThreshold {
		return f.readStreamed(resp.Body, total, id)
	}
	return io.ReadAll(resp.Body)
}

// readStreamed reads the body one fixed-size chunk per Read call and
// appends each chunk to a single contiguous result, so the whole body is
// still held in memory once it returns; progress telemetry fires only once
// the object crosses progressThreshold, matching spec §4.7.
func (f *Fetcher) readStreamed(body io.Reader, total int64, id cid.CID) ([]byte, error) {
	buf := make([]byte, 0, streamChunkSize)
	chunk := make([]byte, streamChunkSize)
	var read int64
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			read += int64(n)
			if total > progressThreshold || read > progressThreshold {
				f.log.Debug("gateway fetch progress", map[string]interface{}{
					"cid": id.String(), "bytes_read": read, "total_bytes": total,
				})
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) unixSocketClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: f.cfg.RequestTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}
