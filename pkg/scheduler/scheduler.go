// Package scheduler runs the calendar jobs around the admission engine:
// period rollover cleanup and durable-store retention.
//
// Ledgers already expire on their own and new periods begin implicitly when
// the period key rotates, so the engine never depends on these jobs to stay
// correct. The scheduler is belt-and-braces hygiene: it sweeps ended-period
// ledgers out of the shared store at each boundary, logs the rollover per
// scope, and prunes old rows from the usage database.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"gatewise/turnstile/pkg/admission/quota"
	"gatewise/turnstile/pkg/store"
	"gatewise/turnstile/pkg/telemetry/logging"
	"gatewise/turnstile/pkg/usage"
)

const defaultJobTimeout = 2 * time.Minute

// Config controls the scheduler's calendar.
type Config struct {
	// ResetTime is the daily boundary as "HH:MM". Default midnight. It
	// must match the quota configuration or sweeps will target the wrong
	// period keys.
	ResetTime string

	// Timezone is the IANA zone the boundaries fire in.
	Timezone string

	// Namespace is the store key namespace.
	Namespace string

	// Retention is how long finished periods stay in the usage database.
	// Zero disables pruning.
	Retention time.Duration
}

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	loc    *time.Location
	store  store.Store
	db     *usage.SQLiteStore
	scopes []string
	logger *logging.Logger
	now    func() time.Time
}

// New creates a scheduler for the given scope types. A nil clock means
// time.Now.
func New(cfg Config, st store.Store, db *usage.SQLiteStore, scopes []string, logger *logging.Logger, clock func() time.Time) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if clock == nil {
		clock = time.Now
	}

	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		cfg:    cfg,
		loc:    loc,
		store:  st,
		db:     db,
		scopes: scopes,
		logger: logger,
		now:    clock,
	}

	dailySpec, err := dailyCronSpec(cfg.ResetTime)
	if err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(dailySpec, s.runDaily); err != nil {
		return nil, fmt.Errorf("schedule daily rollover: %w", err)
	}
	// Monthly periods always roll at month start.
	if _, err := s.cron.AddFunc("0 0 1 * *", s.runMonthly); err != nil {
		return nil, fmt.Errorf("schedule monthly rollover: %w", err)
	}
	if cfg.Retention > 0 {
		if _, err := s.cron.AddFunc("30 3 * * *", s.runRetention); err != nil {
			return nil, fmt.Errorf("schedule retention: %w", err)
		}
	}

	return s, nil
}

// Start begins running jobs at their scheduled times.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		"reset_time", s.cfg.ResetTime,
		"timezone", s.loc.String(),
		"scopes", s.scopes,
	)
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunDailyRollover sweeps the just-ended daily period immediately. The cron
// job calls it at each boundary; admin tooling may call it directly.
func (s *Scheduler) RunDailyRollover(ctx context.Context) error {
	// The ended period is the one a ledger 24h ago belonged to.
	bounds, err := quota.DailyBounds(s.now().In(s.loc).Add(-24*time.Hour), s.cfg.ResetTime, s.loc)
	if err != nil {
		return err
	}
	return s.sweep(ctx, store.SegmentDaily, bounds.Key)
}

// RunMonthlyRollover sweeps the just-ended monthly period immediately.
func (s *Scheduler) RunMonthlyRollover(ctx context.Context) error {
	prev := quota.MonthlyBounds(s.now().In(s.loc).AddDate(0, 0, -1), s.loc)
	return s.sweep(ctx, store.SegmentMonthly, prev.Key)
}

func (s *Scheduler) sweep(ctx context.Context, segment, periodKey string) error {
	for _, scope := range s.scopes {
		identifiers, err := s.db.ListIdentifiers(ctx, scope, segment, periodKey)
		if err != nil {
			return fmt.Errorf("list %s identifiers for %s/%s: %w", scope, segment, periodKey, err)
		}
		if len(identifiers) == 0 {
			continue
		}

		keys := make([]string, len(identifiers))
		for i, id := range identifiers {
			keys[i] = store.LedgerKey(s.cfg.Namespace, scope, segment, id, periodKey)
		}
		if err := s.store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("sweep %s ledgers for %s/%s: %w", scope, segment, periodKey, err)
		}

		s.logger.Info("period rolled over",
			"scope", scope,
			"period", segment,
			"period_key", periodKey,
			"identifiers", len(identifiers),
		)
	}
	return nil
}

func (s *Scheduler) runDaily() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()
	if err := s.RunDailyRollover(ctx); err != nil {
		s.logger.Error("daily rollover failed", "error", err)
	}
}

func (s *Scheduler) runMonthly() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()
	if err := s.RunMonthlyRollover(ctx); err != nil {
		s.logger.Error("monthly rollover failed", "error", err)
	}
}

func (s *Scheduler) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	deleted, err := s.db.Cleanup(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		s.logger.Error("usage retention cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("usage retention cleanup", "deleted", deleted)
	}
}

// dailyCronSpec converts an "HH:MM" reset time into a cron spec.
func dailyCronSpec(resetTime string) (string, error) {
	if resetTime == "" {
		return "0 0 * * *", nil
	}
	var hh, mm int
	if _, err := fmt.Sscanf(resetTime, "%d:%d", &hh, &mm); err != nil {
		return "", fmt.Errorf("invalid reset time %q: %w", resetTime, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", fmt.Errorf("invalid reset time %q", resetTime)
	}
	return fmt.Sprintf("%d %d * * *", mm, hh), nil
}
