// Package degradation aggregates upstream and store health probes into a
// system-wide degradation level that gates admission of new jobs.
package degradation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/domain"
)

// Probe target names.
const (
	TargetAgent       = "agent"
	TargetTranscriber = "transcriber"
	TargetStore       = "jobstore"
)

// ProbeFunc checks one dependency. A nil error with ProbeDegraded models a
// reachable service that is running without its model.
type ProbeFunc func(ctx domain.Context) (domain.ProbeStatus, error)

// Target is one probed dependency.
type Target struct {
	Name  string
	Probe ProbeFunc
}

type sample struct {
	err      bool
	degraded bool
	latency  time.Duration
}

// window is a fixed-size ring of probe samples.
type window struct {
	samples []sample
	next    int
	filled  int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 10
	}
	return &window{samples: make([]sample, size)}
}

func (w *window) push(s sample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

func (w *window) errorRate() float64 {
	if w.filled == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < w.filled; i++ {
		if w.samples[i].err {
			errs++
		}
	}
	return float64(errs) / float64(w.filled)
}

func (w *window) avgLatency() time.Duration {
	if w.filled == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.filled; i++ {
		total += w.samples[i].latency
	}
	return total / time.Duration(w.filled)
}

func (w *window) anyDegraded() bool {
	for i := 0; i < w.filled; i++ {
		if w.samples[i].degraded {
			return true
		}
	}
	return false
}

// Config carries the derivation thresholds.
type Config struct {
	WindowSize     int
	LatencyWarn    time.Duration
	ErrorRateMinor float64
	ErrorRateMajor float64
	// ImproveDebounce is how many consecutive good evaluations are needed
	// before the level may step back down.
	ImproveDebounce int
}

func (c *Config) defaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.LatencyWarn <= 0 {
		c.LatencyWarn = 2 * time.Second
	}
	if c.ErrorRateMinor <= 0 {
		c.ErrorRateMinor = 0.05
	}
	if c.ErrorRateMajor <= 0 {
		c.ErrorRateMajor = 0.15
	}
	if c.ImproveDebounce <= 0 {
		c.ImproveDebounce = 2
	}
}

// Controller runs the probe loop and derives the admission level. Worsening
// takes effect on a single bad evaluation; improving is debounced.
type Controller struct {
	mu         sync.Mutex
	targets    []Target
	windows    map[string]*window
	statuses   map[string]domain.UpstreamHealth
	level      domain.DegradationLevel
	goodStreak int
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewController(targets []Target, cfg Config, logger *slog.Logger) *Controller {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		targets:  targets,
		windows:  make(map[string]*window, len(targets)),
		statuses: make(map[string]domain.UpstreamHealth, len(targets)),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, t := range targets {
		c.windows[t.Name] = newWindow(cfg.WindowSize)
		c.statuses[t.Name] = domain.UpstreamHealth{Name: t.Name, Status: domain.ProbeUp}
	}
	return c
}

// SetNowFunc overrides the clock for tests.
func (c *Controller) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Run probes all targets on the interval until ctx is done. One immediate
// round runs before the first tick so readiness is meaningful at startup.
func (c *Controller) Run(ctx domain.Context, interval time.Duration) {
	c.ProbeOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs one probe round and re-evaluates the level.
func (c *Controller) ProbeOnce(ctx domain.Context) {
	type outcome struct {
		name    string
		status  domain.ProbeStatus
		err     error
		latency time.Duration
	}
	outcomes := make([]outcome, 0, len(c.targets))
	for _, t := range c.targets {
		start := time.Now()
		status, err := t.Probe(ctx)
		outcomes = append(outcomes, outcome{
			name:    t.Name,
			status:  status,
			err:     err,
			latency: time.Since(start),
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, o := range outcomes {
		w := c.windows[o.name]
		w.push(sample{
			err:      o.err != nil || o.status == domain.ProbeDown,
			degraded: o.err == nil && o.status == domain.ProbeDegraded,
			latency:  o.latency,
		})
		st := c.targetStatus(w)
		c.statuses[o.name] = domain.UpstreamHealth{
			Name:        o.name,
			Status:      st,
			LastProbeAt: now,
			LatencyMs:   float64(w.avgLatency().Milliseconds()),
			ErrorRate:   w.errorRate(),
		}
		observability.SetProbeStatus(o.name, probeGaugeValue(st))
	}
	c.evaluateLocked()
}

func probeGaugeValue(s domain.ProbeStatus) float64 {
	switch s {
	case domain.ProbeUp:
		return 2
	case domain.ProbeDegraded:
		return 1
	default:
		return 0
	}
}

// targetStatus grades one dependency from its rolling window.
func (c *Controller) targetStatus(w *window) domain.ProbeStatus {
	rate := w.errorRate()
	switch {
	case rate >= c.cfg.ErrorRateMajor:
		return domain.ProbeDown
	case rate >= c.cfg.ErrorRateMinor, w.anyDegraded(), w.avgLatency() > c.cfg.LatencyWarn:
		return domain.ProbeDegraded
	default:
		return domain.ProbeUp
	}
}

// evaluateLocked derives the candidate level and applies hysteresis: a worse
// candidate takes effect immediately, a better one only after the debounce.
func (c *Controller) evaluateLocked() {
	candidate := c.deriveLocked()
	switch {
	case candidate > c.level:
		c.logger.Warn("degradation level worsened",
			slog.String("from", c.level.String()),
			slog.String("to", candidate.String()))
		c.level = candidate
		c.goodStreak = 0
	case candidate < c.level:
		c.goodStreak++
		if c.goodStreak >= c.cfg.ImproveDebounce {
			c.logger.Info("degradation level improved",
				slog.String("from", c.level.String()),
				slog.String("to", candidate.String()))
			c.level = candidate
			c.goodStreak = 0
		}
	default:
		c.goodStreak = 0
	}
	observability.SetDegradationLevel(int(c.level))
}

func (c *Controller) deriveLocked() domain.DegradationLevel {
	down := func(name string) bool { return c.statuses[name].Status == domain.ProbeDown }
	degraded := func(name string) bool { return c.statuses[name].Status == domain.ProbeDegraded }

	switch {
	case down(TargetStore), down(TargetAgent) && down(TargetTranscriber):
		return domain.DegradationCritical
	case down(TargetAgent), down(TargetTranscriber):
		return domain.DegradationMajor
	case degraded(TargetStore), degraded(TargetAgent), degraded(TargetTranscriber):
		return domain.DegradationMinor
	default:
		return domain.DegradationNormal
	}
}

// Level returns the current aggregate level.
func (c *Controller) Level() domain.DegradationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Snapshot returns per-dependency health plus the aggregate level.
func (c *Controller) Snapshot() domain.SystemHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	ups := make([]domain.UpstreamHealth, 0, len(c.targets))
	for _, t := range c.targets {
		ups = append(ups, c.statuses[t.Name])
	}
	return domain.SystemHealth{Level: c.level, Upstreams: ups}
}

// needs maps each job type to the upstreams it cannot run without.
func needs(t domain.JobType) []string {
	switch t {
	case domain.JobTypeAudioToSOAP:
		return []string{TargetTranscriber, TargetAgent}
	case domain.JobTypeTranscriptionOnly:
		return []string{TargetTranscriber}
	default:
		return []string{TargetAgent}
	}
}

// Admit decides whether a new submission of the given type is accepted at
// the current level. Critical refuses everything; major refuses only types
// that depend on a down service.
func (c *Controller) Admit(t domain.JobType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.level {
	case domain.DegradationCritical:
		return fmt.Errorf("op=degradation.admit: %w: system critical", domain.ErrAdmissionRefused)
	case domain.DegradationMajor:
		for _, name := range needs(t) {
			if c.statuses[name].Status == domain.ProbeDown {
				return fmt.Errorf("op=degradation.admit: %w: %s unavailable", domain.ErrAdmissionRefused, name)
			}
		}
	}
	return nil
}
