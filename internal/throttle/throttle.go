// Package throttle bounds per-source resource usage: concurrent
// connections, submission rate, and repeated authentication failures.
// All accounting is in-process; under horizontal replication each
// instance keeps independent state, an accepted soft-consistency
// trade-off.
package throttle

import (
	"log/slog"
	"sync"
	"time"
)

// Config tunes the throttler. Zero fields select the defaults.
type Config struct {
	// MaxConnsPerSource is the concurrent-connection ceiling per
	// source address.
	MaxConnsPerSource int

	// MaxConnsTotal is the global concurrent-connection ceiling.
	MaxConnsTotal int

	// SubmissionsPerMinute is the per-source submission ceiling within
	// a one minute window.
	SubmissionsPerMinute int

	// AuthFailureThreshold is the number of permanent authentication
	// failures within AuthFailureWindow that triggers a block.
	AuthFailureThreshold int

	// AuthFailureWindow is the rolling window for failure counting.
	AuthFailureWindow time.Duration

	// BlockDuration is how long a blocked source stays rejected.
	BlockDuration time.Duration

	// AllowList sources bypass every limit.
	AllowList []string
}

// sourceState is the per-address accounting record.
type sourceState struct {
	conns int

	submitWindowStart time.Time
	submitCount       int

	failWindowStart time.Time
	failCount       int

	blockedUntil time.Time
}

// Throttler tracks per-source connection counts, submission rates and
// authentication failures. Safe for concurrent use by all sessions.
type Throttler struct {
	cfg       Config
	allowList map[string]struct{}

	mu         sync.Mutex
	sources    map[string]*sourceState
	totalConns int

	now func() time.Time
}

// New creates a Throttler with the given configuration.
func New(cfg Config) *Throttler {
	if cfg.MaxConnsPerSource <= 0 {
		cfg.MaxConnsPerSource = 10
	}
	if cfg.MaxConnsTotal <= 0 {
		cfg.MaxConnsTotal = 1000
	}
	if cfg.SubmissionsPerMinute <= 0 {
		cfg.SubmissionsPerMinute = 100
	}
	if cfg.AuthFailureThreshold <= 0 {
		cfg.AuthFailureThreshold = 5
	}
	if cfg.AuthFailureWindow <= 0 {
		cfg.AuthFailureWindow = 5 * time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}

	allow := make(map[string]struct{}, len(cfg.AllowList))
	for _, src := range cfg.AllowList {
		allow[src] = struct{}{}
	}

	return &Throttler{
		cfg:       cfg,
		allowList: allow,
		sources:   make(map[string]*sourceState),
		now:       time.Now,
	}
}

// Blocked reports whether a source is inside its temporary block
// period. Checked before any other processing of a new connection.
func (t *Throttler) Blocked(source string) bool {
	if t.allowed(source) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sources[source]
	if !ok {
		return false
	}
	return t.now().Before(s.blockedUntil)
}

// AcquireConn accounts for a new connection. It returns false when the
// per-source or global ceiling is reached; in that case nothing is
// recorded and ReleaseConn must not be called.
func (t *Throttler) AcquireConn(source string) bool {
	if t.allowed(source) {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.totalConns >= t.cfg.MaxConnsTotal {
		return false
	}
	s := t.state(source)
	if s.conns >= t.cfg.MaxConnsPerSource {
		return false
	}
	s.conns++
	t.totalConns++
	return true
}

// ReleaseConn releases a connection previously acquired for the source.
func (t *Throttler) ReleaseConn(source string) {
	if t.allowed(source) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sources[source]
	if !ok {
		return
	}
	if s.conns > 0 {
		s.conns--
	}
	if t.totalConns > 0 {
		t.totalConns--
	}
	t.maybeDrop(source, s)
}

// AllowSubmission accounts for one message submission from the source
// and reports whether it stays within the per-minute ceiling.
func (t *Throttler) AllowSubmission(source string) bool {
	if t.allowed(source) {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(source)
	now := t.now()
	if now.Sub(s.submitWindowStart) >= time.Minute {
		s.submitWindowStart = now
		s.submitCount = 0
	}
	if s.submitCount >= t.cfg.SubmissionsPerMinute {
		return false
	}
	s.submitCount++
	return true
}

// RecordAuthFailure records a permanent authentication failure for the
// source. Reaching the threshold within the window starts a temporary
// block of every connection from that source.
func (t *Throttler) RecordAuthFailure(source string) {
	if t.allowed(source) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(source)
	now := t.now()
	if now.Sub(s.failWindowStart) >= t.cfg.AuthFailureWindow {
		s.failWindowStart = now
		s.failCount = 0
	}
	s.failCount++
	if s.failCount >= t.cfg.AuthFailureThreshold {
		s.blockedUntil = now.Add(t.cfg.BlockDuration)
		s.failCount = 0
		slog.Warn("source blocked after repeated authentication failures",
			"source", source,
			"duration", t.cfg.BlockDuration,
		)
	}
}

// allowed reports whether the source bypasses every limit.
func (t *Throttler) allowed(source string) bool {
	_, ok := t.allowList[source]
	return ok
}

// state returns the accounting record for a source, creating it on
// first use. Caller must hold t.mu.
func (t *Throttler) state(source string) *sourceState {
	s, ok := t.sources[source]
	if !ok {
		s = &sourceState{}
		t.sources[source] = s
	}
	return s
}

// maybeDrop removes a record that carries no state worth keeping, so
// the map does not grow with every source ever seen. Caller must hold
// t.mu.
func (t *Throttler) maybeDrop(source string, s *sourceState) {
	if s.conns == 0 && s.submitCount == 0 && s.failCount == 0 && t.now().After(s.blockedUntil) {
		delete(t.sources, source)
	}
}
