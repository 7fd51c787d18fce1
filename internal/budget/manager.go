// Package budget enforces crawl-wide, per-host and per-session resource limits.
// Consumption lives in immutable snapshots swapped atomically, so a decision
// always reads one consistent view even while workers complete concurrently.
package budget

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultErrorWindow        = 20
	defaultErrorRateThreshold = 0.5
	defaultMinErrorSamples    = 5
	defaultThrottleBase       = 5 * time.Second
	defaultWarningThreshold   = 0.8
	defaultMonitorInterval    = 5 * time.Second
	// saturatedDelay is the retry hint when every remaining slot is in flight.
	saturatedDelay = 250 * time.Millisecond
)

// Limits caps one scope. Zero values are unlimited.
type Limits struct {
	MaxPages     int64
	MaxBytes     int64
	MaxWallClock time.Duration
}

// Config configures a Manager.
type Config struct {
	Global             Limits
	PerHost            Limits
	MaxDepth           int
	Mode               Mode
	CountFailedFetches bool
	ErrorWindow        int
	ErrorRateThreshold float64
	MinErrorSamples    int
	ThrottleBase       time.Duration
	WarningThreshold   float64
	MonitorInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = defaultErrorWindow
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		c.ErrorRateThreshold = defaultErrorRateThreshold
	}
	if c.MinErrorSamples <= 0 {
		c.MinErrorSamples = defaultMinErrorSamples
	}
	if c.MinErrorSamples > c.ErrorWindow {
		c.MinErrorSamples = c.ErrorWindow
	}
	if c.ThrottleBase <= 0 {
		c.ThrottleBase = defaultThrottleBase
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		c.WarningThreshold = defaultWarningThreshold
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaultMonitorInterval
	}
}

// Clock is the time source for wall-clock limits.
type Clock interface {
	Now() time.Time
}

type hostState struct {
	usage  *counter
	errors *errorWindow
	// pacedUntil is the unix nano time before which an erroring host gets no
	// new reservations in adaptive mode.
	pacedUntil atomic.Int64
}

type sessionState struct {
	limits  Limits
	started time.Time
	usage   *counter
}

// Reservation is an in-flight slot claimed by Reserve. It must be passed to
// exactly one of Release or Complete.
type Reservation struct {
	Host    string
	Session string
	done    atomic.Bool
}

// Stats is a point-in-time view of consumption.
type Stats struct {
	Pages    int64
	Bytes    int64
	Failures int64
	InFlight int64
	Elapsed  time.Duration
	PerHost  map[string]Usage
}

// Manager tracks budget consumption.
type Manager struct {
	cfg     Config
	clock   Clock
	logger  *zap.Logger
	started time.Time

	global *counter

	mu       sync.RWMutex
	hosts    map[string]*hostState
	sessions map[string]*sessionState

	warnMu sync.Mutex
	warned map[string]bool
}

// New creates a Manager whose wall clock starts now.
func New(cfg Config, clock Clock, logger *zap.Logger) (*Manager, error) {
	if clock == nil {
		return nil, fmt.Errorf("budget clock is required")
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be non-negative, got %d", cfg.MaxDepth)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		started:  clock.Now(),
		global:   newCounter(),
		hosts:    make(map[string]*hostState),
		sessions: make(map[string]*sessionState),
		warned:   make(map[string]bool),
	}, nil
}

// StartSession opens a sub-crawl with its own limits.
func (m *Manager) StartSession(id string, limits Limits) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = &sessionState{limits: limits, started: m.clock.Now(), usage: newCounter()}
	return nil
}

// EndSession forgets a session. Later candidates tagged with it are unscoped.
func (m *Manager) EndSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Evaluate checks the candidate against global, host and session limits in
// that order. It claims nothing.
func (m *Manager) Evaluate(host string, depth int, session string) Decision {
	host = strings.ToLower(host)
	now := m.clock.Now()

	g := m.global.load()
	if d := checkLimits(ScopeGlobal, m.cfg.Global, g, now.Sub(m.started)); d.Kind != Continue {
		return d
	}
	if depth > m.cfg.MaxDepth {
		return stop(ScopeEntry, "depth %d exceeds max depth %d", depth, m.cfg.MaxDepth)
	}

	if hs := m.host(host, false); hs != nil {
		hu := hs.usage.load()
		if d := checkLimits(ScopeHost, m.cfg.PerHost, hu, 0); d.Kind != Continue {
			d.Reason = host + ": " + d.Reason
			return d
		}
		if _, rate, ok := m.errorPacing(hs); ok {
			if wait := time.Duration(hs.pacedUntil.Load() - now.UnixNano()); wait > 0 {
				return throttle(ScopeHost, wait, fmt.Sprintf("%s: error rate %.2f", host, rate))
			}
		}
	}

	if ss := m.session(session); ss != nil {
		if d := checkLimits(ScopeSession, ss.limits, ss.usage.load(), now.Sub(ss.started)); d.Kind != Continue {
			d.Reason = "session " + session + ": " + d.Reason
			return d
		}
	}
	return proceed()
}

func checkLimits(scope Scope, l Limits, u Usage, elapsed time.Duration) Decision {
	switch {
	case l.MaxWallClock > 0 && elapsed >= l.MaxWallClock:
		return stop(scope, "wall clock %s reached limit %s", elapsed, l.MaxWallClock)
	case l.MaxPages > 0 && u.Pages >= l.MaxPages:
		return stop(scope, "pages %d reached limit %d", u.Pages, l.MaxPages)
	case l.MaxBytes > 0 && u.Bytes >= l.MaxBytes:
		return stop(scope, "bytes %d reached limit %d", u.Bytes, l.MaxBytes)
	}
	return proceed()
}

// Reserve evaluates the candidate and, on Continue, claims an in-flight slot in
// every scope at once. When the remaining page budget is fully in flight it
// answers Throttle instead, since pending completions decide the outcome.
func (m *Manager) Reserve(host string, depth int, session string) (Decision, *Reservation) {
	host = strings.ToLower(host)
	if d := m.Evaluate(host, depth, session); d.Kind != Continue {
		return d, nil
	}

	hs := m.host(host, true)
	if delay, rate, ok := m.errorPacing(hs); ok {
		// An erroring host gets one reservation per pacing interval.
		now := m.clock.Now()
		until := hs.pacedUntil.Load()
		if until > now.UnixNano() || !hs.pacedUntil.CompareAndSwap(until, now.Add(delay).UnixNano()) {
			return throttle(ScopeHost, delay, fmt.Sprintf("%s: error rate %.2f", host, rate)), nil
		}
	}

	if !m.global.claim(m.cfg.Global.MaxPages) {
		return throttle(ScopeGlobal, saturatedDelay, "global page budget in flight"), nil
	}
	if !hs.usage.claim(m.cfg.PerHost.MaxPages) {
		m.global.release()
		return throttle(ScopeHost, saturatedDelay, host+": page budget in flight"), nil
	}
	ss := m.session(session)
	if ss != nil && !ss.usage.claim(ss.limits.MaxPages) {
		hs.usage.release()
		m.global.release()
		return throttle(ScopeSession, saturatedDelay, "session "+session+": page budget in flight"), nil
	}

	res := &Reservation{Host: host}
	if ss != nil {
		res.Session = session
	}
	return proceed(), res
}

// Release returns an unused reservation.
func (m *Manager) Release(res *Reservation) {
	if res == nil || !res.done.CompareAndSwap(false, true) {
		return
	}
	m.global.release()
	if hs := m.host(res.Host, false); hs != nil {
		hs.usage.release()
	}
	if ss := m.session(res.Session); ss != nil {
		ss.usage.release()
	}
}

// Complete records the outcome of a reserved fetch. It reports false when the
// reservation was already settled.
func (m *Manager) Complete(res *Reservation, bytes int64, failed bool) bool {
	if res == nil || !res.done.CompareAndSwap(false, true) {
		return false
	}
	countPage := !failed || m.cfg.CountFailedFetches
	m.global.complete(bytes, failed, countPage)
	if hs := m.host(res.Host, true); hs != nil {
		hs.usage.complete(bytes, failed, countPage)
		hs.errors.record(failed)
		if delay, _, ok := m.errorPacing(hs); ok {
			hs.pacedUntil.Store(m.clock.Now().Add(delay).UnixNano())
		}
	}
	if ss := m.session(res.Session); ss != nil {
		ss.usage.complete(bytes, failed, countPage)
	}
	return true
}

// errorPacing reports the throttle delay for hs when adaptive mode applies to
// its error rate.
func (m *Manager) errorPacing(hs *hostState) (time.Duration, float64, bool) {
	if m.cfg.Mode != Adaptive || hs == nil {
		return 0, 0, false
	}
	rate, n := hs.errors.rate()
	if n < m.cfg.MinErrorSamples || rate < m.cfg.ErrorRateThreshold {
		return 0, rate, false
	}
	delay := time.Duration(rate * float64(m.cfg.ThrottleBase))
	if delay > m.cfg.ThrottleBase {
		delay = m.cfg.ThrottleBase
	}
	return delay, rate, true
}

// Elapsed returns the time since the manager started.
func (m *Manager) Elapsed() time.Duration {
	return m.clock.Now().Sub(m.started)
}

// Global returns the current global usage.
func (m *Manager) Global() Usage {
	return m.global.load()
}

// Snapshot returns a copy of global and per-host consumption.
func (m *Manager) Snapshot() Stats {
	g := m.global.load()
	st := Stats{
		Pages:    g.Pages,
		Bytes:    g.Bytes,
		Failures: g.Failures,
		InFlight: g.InFlight,
		Elapsed:  m.Elapsed(),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st.PerHost = make(map[string]Usage, len(m.hosts))
	for host, hs := range m.hosts {
		st.PerHost[host] = hs.usage.load()
	}
	return st
}

func (m *Manager) host(host string, create bool) *hostState {
	m.mu.RLock()
	hs, ok := m.hosts[host]
	m.mu.RUnlock()
	if ok || !create {
		return hs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if hs, ok = m.hosts[host]; ok {
		return hs
	}
	hs = &hostState{usage: newCounter(), errors: newErrorWindow(m.cfg.ErrorWindow)}
	m.hosts[host] = hs
	return hs
}

func (m *Manager) session(id string) *sessionState {
	if id == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}
