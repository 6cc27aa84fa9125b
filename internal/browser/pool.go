package browser

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chromeflow/chromeflow/internal/config"
	"github.com/chromeflow/chromeflow/internal/faults"
	"github.com/chromeflow/chromeflow/internal/logger"
)

// connector abstracts session creation so pool behavior is testable
// without a real browser.
type connector interface {
	Attach(ctx context.Context, endpoint string) (*Session, error)
	Launch(ctx context.Context) (*Session, error)
	Reachable(endpoint string) bool
}

// Pool manages browser session lifecycle with a bounded number of
// concurrently acquired sessions. A session is exclusively owned by one
// borrower between Acquire and Release.
type Pool struct {
	cfg  config.PoolConfig
	sem  *semaphore.Weighted
	conn connector

	mu   sync.Mutex
	idle []*Session

	// attached holds the debug endpoints with a live session, borrowed or
	// idle. An endpoint is claimed before attaching and released only when
	// its session is disposed, so no two sessions ever share an instance.
	attached map[string]bool
}

// NewPool creates a Pool using real CDP attachment and launching.
func NewPool(cfg config.PoolConfig) *Pool {
	return newPool(cfg, &cdpConnector{cfg: cfg})
}

func newPool(cfg config.PoolConfig, conn connector) *Pool {
	return &Pool{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxSessions)),
		conn:     conn,
		attached: make(map[string]bool),
	}
}

// Acquire returns an exclusively-owned session. It blocks while the pool
// is at its concurrency bound, failing with PoolExhausted after the
// acquire timeout. Attach-first policy: a running instance with a
// reachable debug endpoint (the hint first, then the configured port
// range) is reused; otherwise a new instance is launched. Idle sessions
// are health-checked before reuse and evicted when unresponsive.
func (p *Pool) Acquire(ctx context.Context, instanceHint string) (*Session, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Newf(faults.KindPoolExhausted,
			"no session freed within %s (max %d)", p.cfg.AcquireTimeout, p.cfg.MaxSessions)
	}

	session, err := p.obtain(acquireCtx, instanceHint)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return session, nil
}

func (p *Pool) obtain(ctx context.Context, instanceHint string) (*Session, error) {
	// Reuse an idle session, preferring one matching the hint. Sessions
	// that fail their health check are evicted, never silently reused.
	for {
		session := p.popIdle(instanceHint)
		if session == nil {
			break
		}
		if session.HealthCheck(ctx) == Healthy {
			return session, nil
		}
		logger.WithField("session_id", session.ID()).Warn("evicting unresponsive session")
		p.dispose(session)
	}

	for _, endpoint := range p.candidateEndpoints(instanceHint) {
		if !p.conn.Reachable(endpoint) {
			continue
		}
		// Claim the endpoint before attaching so a concurrent Acquire
		// cannot end up driving the same instance.
		if !p.claim(endpoint) {
			continue
		}
		session, err := p.conn.Attach(ctx, endpoint)
		if err != nil {
			p.unclaim(endpoint)
			logger.WithFields(map[string]interface{}{
				"endpoint": endpoint,
				"error":    err,
			}).Debug("attach failed, trying next endpoint")
			continue
		}
		return session, nil
	}

	session, err := p.conn.Launch(ctx)
	if err != nil {
		if faults.KindOf(err) == faults.KindEnvironmentError {
			return nil, err
		}
		return nil, faults.New(faults.KindSessionUnavailable, err)
	}
	return session, nil
}

// Release returns a session to the pool. Unresponsive sessions are
// disposed instead of being parked for reuse.
func (p *Pool) Release(session *Session) {
	if session == nil {
		return
	}
	defer p.sem.Release(1)

	if session.health != Healthy {
		p.dispose(session)
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, session)
	p.mu.Unlock()
}

// Close disposes every idle session.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, session := range idle {
		p.dispose(session)
	}
}

// dispose closes a session and frees its endpoint for re-attachment.
func (p *Pool) dispose(session *Session) {
	session.Close()
	if session.Endpoint() != "" {
		p.unclaim(session.Endpoint())
	}
}

func (p *Pool) claim(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached[endpoint] {
		return false
	}
	p.attached[endpoint] = true
	return true
}

func (p *Pool) unclaim(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attached, endpoint)
}

func (p *Pool) popIdle(instanceHint string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) == 0 {
		return nil
	}
	pick := 0
	if instanceHint != "" {
		for i, s := range p.idle {
			if s.Endpoint() == instanceHint || s.ID() == instanceHint {
				pick = i
				break
			}
		}
	}
	session := p.idle[pick]
	p.idle = append(p.idle[:pick], p.idle[pick+1:]...)
	return session
}

// candidateEndpoints lists debug endpoints to probe, hint first, then the
// configured port range.
func (p *Pool) candidateEndpoints(instanceHint string) []string {
	var endpoints []string
	if instanceHint != "" {
		endpoints = append(endpoints, instanceHint)
	}
	for port := p.cfg.PortRangeStart; port <= p.cfg.PortRangeEnd; port++ {
		endpoint := fmt.Sprintf("%s:%d", p.cfg.DebugHost, port)
		if endpoint != instanceHint {
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints
}

// cdpConnector is the production connector.
type cdpConnector struct {
	cfg config.PoolConfig
}

func (c *cdpConnector) Attach(ctx context.Context, endpoint string) (*Session, error) {
	return attach(ctx, endpoint)
}

func (c *cdpConnector) Launch(ctx context.Context) (*Session, error) {
	return launchNew(ctx, c.cfg.Headless, c.cfg.UserDataDir, "")
}

// Reachable reports whether a debug endpoint accepts TCP connections. A
// cheap dial filters dead ports before the heavier CDP handshake.
func (c *cdpConnector) Reachable(endpoint string) bool {
	conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
