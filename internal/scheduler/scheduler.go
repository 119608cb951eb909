package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls when scan passes and housekeeping jobs run. Specs use the
// six-field cron format with seconds.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	Scan       string        `yaml:"scan"`        // Default: derived from the bar interval, 5s after close
	Reconcile  string        `yaml:"reconcile"`   // Default: every 5 minutes
	Timezone   string        `yaml:"timezone"`    // Default: UTC
	JobTimeout time.Duration `yaml:"job_timeout"` // Default: 2m
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Reconcile:  "30 */5 * * * *",
		Timezone:   "UTC",
		JobTimeout: 2 * time.Minute,
	}
}

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	for name, spec := range map[string]string{"scan": c.Scan, "reconcile": c.Reconcile} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}
	return nil
}

// ScanSpec returns a cron spec firing offset seconds after each bar of
// interval closes.
func ScanSpec(interval string, offset int) (string, error) {
	if offset < 0 || offset > 59 {
		return "", fmt.Errorf("offset %ds outside 0..59", offset)
	}
	switch interval {
	case "1m":
		return fmt.Sprintf("%d * * * * *", offset), nil
	case "3m", "5m", "15m", "30m":
		return fmt.Sprintf("%d */%s * * * *", offset, interval[:len(interval)-1]), nil
	case "1h":
		return fmt.Sprintf("%d 0 * * * *", offset), nil
	case "2h", "4h":
		return fmt.Sprintf("%d 0 */%s * * *", offset, interval[:1]), nil
	case "1d":
		return fmt.Sprintf("%d 0 0 * * *", offset), nil
	}
	return "", fmt.Errorf("no schedule for interval %q", interval)
}

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

// JobStatus is the last known state of a job.
type JobStatus struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Runs     int           `json:"runs"`
	Failures int           `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_error,omitempty"`
	Duration time.Duration `json:"duration"`
	NextRun  time.Time     `json:"next_run"`
}

type job struct {
	id     cron.EntryID
	spec   string
	fn     JobFunc
	status JobStatus
}

// Scheduler runs jobs on cron schedules. A job never overlaps with itself;
// a tick that arrives while the previous run is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]*job
}

func New(ctx context.Context, cfg Config) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	logger := cronLogger{log.Logger.With().Str("component", "scheduler").Logger()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Scheduler{cron: c, ctx: ctx, timeout: timeout, jobs: make(map[string]*job)}, nil
}

// Register adds a named job.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{spec: spec, fn: fn, status: JobStatus{Name: name, Spec: spec}}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, j) })
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	j.id = id
	s.jobs[name] = j
	log.Info().Str("job", name).Str("spec", spec).Msg("job registered")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.Status())).Msg("scheduler started")
}

// Stop prevents new runs and waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn().Msg("scheduler stop timed out with jobs still running")
	}
	log.Info().Msg("scheduler stopped")
}

// RunNow runs a job synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.run(name, j)
}

// Status lists every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.status
		st.NextRun = s.cron.Entry(j.id).Next
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) run(name string, j *job) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := j.fn(ctx)
	d := time.Since(start)

	s.mu.Lock()
	j.status.Runs++
	j.status.LastRun = start
	j.status.Duration = d
	j.status.LastErr = ""
	if err != nil {
		j.status.Failures++
		j.status.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("job", name).Dur("duration", d).Msg("job failed")
	} else {
		log.Debug().Str("job", name).Dur("duration", d).Msg("job completed")
	}
	return err
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}
