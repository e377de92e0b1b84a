package matching

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/pointmarket-api/internal/types"
)

// Runner is the matching pass the scheduler drives; satisfied by *Engine.
type Runner interface {
	Run(symbol string) ([]*types.Trade, error)
}

// Scheduler decouples order mutations from matching passes. Each symbol has
// one worker goroutine fed by a coalescing trigger: any number of triggers
// while a run is pending collapse into a single pending run, and at most one
// run per symbol executes at a time. A periodic sweep re-triggers every
// known symbol so PENDING_LIMIT orders get re-checked even without new
// order activity.
type Scheduler struct {
	engine     Runner
	interval   time.Duration
	retryDelay time.Duration

	mu      sync.Mutex
	ctx     context.Context
	wg      sync.WaitGroup
	workers map[string]chan struct{}
}

func NewScheduler(engine Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:     engine,
		interval:   interval,
		retryDelay: 250 * time.Millisecond,
		workers:    make(map[string]chan struct{}),
	}
}

// Start launches the periodic sweep and enables workers. It returns
// immediately; the scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "matching_scheduler").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting matching scheduler")

	s.mu.Lock()
	s.ctx = ctx
	// Symbols triggered before Start get their workers now.
	for symbol, pending := range s.workers {
		s.startWorker(symbol, pending)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down matching scheduler")
				return
			case <-ticker.C:
				s.TriggerAll()
			}
		}
	}()
}

// Wait blocks until all workers have drained after the Start context is
// cancelled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger requests a matching run for the symbol. It never blocks: if a run
// is already pending the trigger coalesces into it.
func (s *Scheduler) Trigger(symbol string) {
	s.mu.Lock()
	pending, ok := s.workers[symbol]
	if !ok {
		pending = make(chan struct{}, 1)
		s.workers[symbol] = pending
		if s.ctx != nil {
			s.startWorker(symbol, pending)
		}
	}
	s.mu.Unlock()

	select {
	case pending <- struct{}{}:
	default:
	}
}

// TriggerAll requests a run for every symbol seen so far, used by the
// periodic sweep and after market config changes.
func (s *Scheduler) TriggerAll() {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.workers))
	for symbol := range s.workers {
		symbols = append(symbols, symbol)
	}
	s.mu.Unlock()

	for _, symbol := range symbols {
		s.Trigger(symbol)
	}
}

// startWorker must be called with s.mu held and s.ctx set.
func (s *Scheduler) startWorker(symbol string, pending chan struct{}) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger := log.With().
			Str("component", "matching_scheduler").
			Str("symbol", symbol).
			Logger()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				if _, err := s.engine.Run(symbol); err != nil {
					// Exhausted-conflict runs are re-queued, never dropped.
					logger.Warn().Err(err).Msg("matching run failed, re-queueing")
					time.AfterFunc(s.retryDelay, func() { s.Trigger(symbol) })
				}
			}
		}
	}()
}
