// Package autoscan triggers scans on a cron schedule so the peripheral list
// stays fresh without user input.
package autoscan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scanner is the part of central.Central the scheduler drives.
type Scanner interface {
	RequestScan(ctx context.Context) (bool, error)
}

// requestTimeout bounds a single scheduled scan request.
const requestTimeout = 10 * time.Second

// Scheduler requests a scan every time its schedule fires. Requests that land
// while a scan is running are no-ops in the scan controller.
type Scheduler struct {
	cron    *cron.Cron
	scanner Scanner
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New parses spec (standard five-field cron or a descriptor such as
// "@every 30s") and returns a stopped scheduler.
func New(spec string, scanner Scanner, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("autoscan: invalid schedule %q: %w", spec, err)
	}
	return NewWithSchedule(schedule, scanner, logger), nil
}

// NewWithSchedule returns a stopped scheduler using a pre-built schedule.
func NewWithSchedule(schedule cron.Schedule, scanner Scanner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		scanner: scanner,
		logger:  logger,
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s
}

// Start begins firing. ctx bounds every request the scheduler makes.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("[AUTOSCAN] scheduler started")
}

// Stop halts the schedule and waits for a running request to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("[AUTOSCAN] scheduler stopped")
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	started, err := s.scanner.RequestScan(ctx)
	switch {
	case err != nil:
		s.logger.Warn("[AUTOSCAN] scheduled scan failed", "error", err)
	case !started:
		s.logger.Debug("[AUTOSCAN] scan already running, skipped")
	default:
		s.logger.Debug("[AUTOSCAN] scheduled scan started")
	}
}
