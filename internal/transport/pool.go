package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/op/go-logging.v1"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultPublishTimeout   = 10 * time.Second
	defaultFetchTimeout     = 15 * time.Second
	defaultDedupSize        = 4096
	defaultFailureThreshold = 3
	defaultProbeCooldown    = 30 * time.Second

	retryBase       = 500 * time.Millisecond
	publishRetryCap = 5 * time.Second
	streamRetryCap  = 30 * time.Second
	// Jitter keeps simultaneous reconnects from thundering in step.
	retryJitterPct = 20
)

var (
	errNoRelays        = errors.New("no relays serve the requested roles")
	errAllRelaysFailed = errors.New("all relays failed")
)

var _ domain.RelayService = (*Pool)(nil)

// Options configures a Pool. Zero values fall back to defaults.
type Options struct {
	Records        []domain.RelayRecord
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	FetchTimeout   time.Duration
	DedupSize      int

	// FailureThreshold is how many consecutive failures mark a relay
	// unhealthy. ProbeCooldown is how long an unhealthy relay sits out
	// before it is probed again.
	FailureThreshold int
	ProbeCooldown    time.Duration
}

// Health is one relay's connection state for display.
type Health struct {
	URL         string
	Roles       domain.RelayRole
	Healthy     bool
	LastSeen    time.Time
	LastFailure time.Time
	Failures    int
	LastError   string
}

// Pool is the shared relay client.
type Pool struct {
	log *logging.Logger

	records          []domain.RelayRecord
	dialTimeout      time.Duration
	publishTimeout   time.Duration
	fetchTimeout     time.Duration
	failureThreshold int
	probeCooldown    time.Duration

	mu     sync.Mutex
	conns  map[string]*nostr.Relay
	health map[string]*Health

	seen *lru.Cache[string, struct{}]
}

// New builds a pool over the configured relays.
func New(backend *logbackend.Backend, opts Options) (*Pool, error) {
	if len(opts.Records) == 0 {
		return nil, errors.New("transport: no relays configured")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.PublishTimeout == 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.DedupSize == 0 {
		opts.DedupSize = defaultDedupSize
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.ProbeCooldown == 0 {
		opts.ProbeCooldown = defaultProbeCooldown
	}
	seen, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		log:              backend.GetLogger("transport"),
		records:          append([]domain.RelayRecord(nil), opts.Records...),
		dialTimeout:      opts.DialTimeout,
		publishTimeout:   opts.PublishTimeout,
		fetchTimeout:     opts.FetchTimeout,
		failureThreshold: opts.FailureThreshold,
		probeCooldown:    opts.ProbeCooldown,
		conns:            make(map[string]*nostr.Relay),
		health:           make(map[string]*Health),
		seen:             seen,
	}
	for _, r := range p.records {
		p.health[r.URL] = &Health{URL: r.URL, Roles: r.Roles, Healthy: true}
	}
	return p, nil
}

// Records lists the configured relays and their roles.
func (p *Pool) Records() []domain.RelayRecord {
	return append([]domain.RelayRecord(nil), p.records...)
}

// Health returns per-relay connection state, sorted by URL.
func (p *Pool) Health() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Health, 0, len(p.health))
	for _, h := range p.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Close drops every open connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*nostr.Relay)
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// matching returns the relay URLs serving every role in want, healthy ones
// first. Unhealthy relays still cooling down are left out entirely unless no
// other relay serves the role.
func (p *Pool) matching(want domain.RelayRole) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy, probe, parked []string
	for _, r := range p.records {
		if !r.Roles.Has(want) {
			continue
		}
		h := p.health[r.URL]
		switch {
		case h == nil || h.Healthy:
			healthy = append(healthy, r.URL)
		case time.Since(h.LastFailure) >= p.probeCooldown:
			probe = append(probe, r.URL)
		default:
			parked = append(parked, r.URL)
		}
	}
	ready := append(healthy, probe...)
	if len(ready) == 0 {
		return parked
	}
	return ready
}

// conn returns a live connection to url, dialing if needed.
func (p *Pool) conn(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if c := p.conns[url]; c != nil {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	c, err := nostr.RelayConnect(dialCtx, url)
	if err != nil {
		p.noteFailure(url, err)
		return nil, err
	}

	p.mu.Lock()
	if existing := p.conns[url]; existing != nil {
		// Lost the dial race; keep the first connection.
		p.mu.Unlock()
		_ = c.Close()
		return existing, nil
	}
	p.conns[url] = c
	p.mu.Unlock()

	p.noteSuccess(url)
	p.log.Debugf("connected to %s", url)
	return c, nil
}

// drop closes and forgets the connection so the next use redials.
func (p *Pool) drop(url string, err error) {
	p.mu.Lock()
	c := p.conns[url]
	delete(p.conns, url)
	p.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
	p.noteFailure(url, err)
}

func (p *Pool) noteSuccess(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h := p.health[url]; h != nil {
		h.Healthy = true
		h.LastSeen = time.Now()
		h.Failures = 0
		h.LastError = ""
	}
}

func (p *Pool) noteFailure(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.health[url]
	if h == nil {
		return
	}
	h.Failures++
	h.LastFailure = time.Now()
	if err != nil {
		h.LastError = err.Error()
	}
	if h.Failures >= p.failureThreshold && h.Healthy {
		h.Healthy = false
		p.log.Warningf("relay %s unhealthy after %d failures: %v", url, h.Failures, err)
	}
}
