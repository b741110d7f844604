// Package lifecycle runs periodic memory housekeeping: expired short-term
// sweeps and promotion of frequently used working memory.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/hession/memcore/internal/memory"
)

// Maintainer is the slice of the memory store housekeeping needs
type Maintainer interface {
	SweepExpired(ctx context.Context, scope memory.Scope) (int, error)
	Candidates(ctx context.Context, scope memory.Scope, tier memory.Tier) ([]*memory.Record, error)
	Promote(ctx context.Context, id string) (*memory.Record, error)
	Now() time.Time
}

// Config housekeeping configuration
type Config struct {
	Enabled          bool
	Schedule         string // cron spec, e.g. "@every 5m"
	PromoteThreshold int    // working records accessed at least this often move to long-term; 0 disables
}

// MaintenanceResult outcome of one maintenance pass
type MaintenanceResult struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	DurationMs     int64     `json:"duration_ms"`
	ExpiredCleaned int       `json:"expired_cleaned"`
	Promoted       int       `json:"promoted"`
	Errors         []string  `json:"errors,omitempty"`
}

// Housekeeper schedules maintenance passes
type Housekeeper struct {
	store  Maintainer
	config Config
	log    *slog.Logger

	mu         sync.Mutex
	scheduler  *cron.Cron
	running    bool
	lastResult *MaintenanceResult

	// serializes passes so a slow run never overlaps the next tick
	runMu sync.Mutex
}

// New creates a housekeeper; call Start to schedule it
func New(store Maintainer, config Config, log *slog.Logger) *Housekeeper {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Housekeeper{
		store:  store,
		config: config,
		log:    log,
	}
}

// Start schedules maintenance. It is a no-op when disabled or already running.
func (h *Housekeeper) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.config.Enabled || h.running {
		return nil
	}

	c := cron.New()
	if err := c.AddFunc(h.config.Schedule, func() {
		h.RunMaintenance(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", h.config.Schedule, err)
	}
	c.Start()

	h.scheduler = c
	h.running = true
	h.log.Info("housekeeping scheduled", "schedule", h.config.Schedule, "promote_threshold", h.config.PromoteThreshold)
	return nil
}

// Stop halts the scheduler. A pass already in progress finishes.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.scheduler.Stop()
	h.scheduler = nil
	h.running = false
	h.mu.Unlock()

	h.runMu.Lock()
	defer h.runMu.Unlock()
	h.log.Info("housekeeping stopped")
}

// IsRunning reports whether the scheduler is active
func (h *Housekeeper) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// LastResult returns the most recent pass, or nil if none ran
func (h *Housekeeper) LastResult() *MaintenanceResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastResult
}

// RunMaintenance performs one pass: sweep expired short-term records in
// every scope, then promote heavily used working records. Failures are
// collected in the result rather than aborting the pass.
func (h *Housekeeper) RunMaintenance(ctx context.Context) *MaintenanceResult {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	result := &MaintenanceResult{StartTime: h.store.Now()}

	cleaned, err := h.store.SweepExpired(ctx, memory.Scope{})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep expired: %v", err))
	}
	result.ExpiredCleaned = cleaned

	promoted, errs := h.promoteFrequent(ctx)
	result.Promoted = promoted
	result.Errors = append(result.Errors, errs...)

	result.EndTime = h.store.Now()
	result.DurationMs = result.EndTime.Sub(result.StartTime).Milliseconds()

	h.mu.Lock()
	h.lastResult = result
	h.mu.Unlock()

	if len(result.Errors) > 0 {
		h.log.Warn("maintenance finished with errors",
			"expired_cleaned", result.ExpiredCleaned,
			"promoted", result.Promoted,
			"errors", len(result.Errors),
		)
	} else if result.ExpiredCleaned > 0 || result.Promoted > 0 {
		h.log.Info("maintenance finished",
			"expired_cleaned", result.ExpiredCleaned,
			"promoted", result.Promoted,
		)
	}
	return result
}

// promoteFrequent moves unpinned working records whose access count reached
// the threshold into long-term memory
func (h *Housekeeper) promoteFrequent(ctx context.Context) (int, []string) {
	if h.config.PromoteThreshold <= 0 {
		return 0, nil
	}

	records, err := h.store.Candidates(ctx, memory.Scope{}, memory.TierWorking)
	if err != nil {
		return 0, []string{fmt.Sprintf("list working memory: %v", err)}
	}

	promoted := 0
	var errs []string
	for _, rec := range records {
		if rec.Pinned || rec.AccessCount < int64(h.config.PromoteThreshold) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err.Error())
			break
		}
		if _, err := h.store.Promote(ctx, rec.ID); err != nil {
			if memory.IsNotFound(err) {
				continue
			}
			errs = append(errs, fmt.Sprintf("promote %s: %v", rec.ID, err))
			continue
		}
		promoted++
	}
	return promoted, errs
}
