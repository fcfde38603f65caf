/*
scheduler.go - Automated settlement scheduler

PURPOSE:
  Periodically triggers the settlement engine so matured positions get paid
  out without operator intervention.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick uses the engine's non-blocking trigger: if a batch is still
    running (manual trigger, or a slow previous tick) the tick is skipped
    and logged, never queued
  - Every batch the engine runs is recorded for audit and UI display

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSettlementScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSettlement endpoint (manual batch)
  - invest/settlement.go: the engine itself
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/vantage/invest-engine/invest"
)

// SettlementScheduler triggers settlement batches on an interval.
type SettlementScheduler struct {
	Engine        *invest.SettlementEngine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementScheduler creates a new scheduler.
func NewSettlementScheduler(engine *invest.SettlementEngine) *SettlementScheduler {
	return &SettlementScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SettlementScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Scheduler] Started with check interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SettlementScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ss *SettlementScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.tick()

	for {
		select {
		case <-ss.ticker.C:
			ss.tick()
		case <-ss.stop:
			return
		}
	}
}

// tick fires one scheduled batch. A batch already in progress means the
// work is being done; the tick steps aside rather than queueing behind it.
func (ss *SettlementScheduler) tick() {
	result, err := ss.Engine.TryRunBatch(context.Background(), "scheduled")
	if err != nil {
		if errors.Is(err, invest.ErrBatchInProgress) {
			log.Println("[Scheduler] Batch already in progress, skipping tick")
			return
		}
		log.Printf("[Scheduler] Batch failed: %v", err)
		return
	}

	if result.Processed > 0 || result.Failed > 0 || result.Skipped > 0 {
		log.Printf("[Scheduler] Completed: %d processed, %d failed, %d skipped",
			result.Processed, result.Failed, result.Skipped)
	}
}

// RunNow triggers an immediate batch (for testing/admin). Unlike the tick,
// this waits for any in-flight batch to finish first.
func (ss *SettlementScheduler) RunNow() (invest.BatchResult, error) {
	return ss.Engine.RunBatch(context.Background(), "manual")
}

// GetNextRunTime returns when the next scheduled check will occur.
func (ss *SettlementScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(ss.CheckInterval)
}
