// Package housekeeping runs scheduled maintenance against the auth stores.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
)

const defaultSweepTimeout = time.Minute

// Sweeper hard-deletes refresh credentials whose expiry is older than the
// retention window. It is the only deletion path for credentials.
type Sweeper struct {
	creds     auth.CredentialStore
	schedule  cron.Schedule
	spec      string
	retention time.Duration
	timeout   time.Duration
	cron      *cron.Cron
}

// NewSweeper validates spec (standard cron syntax or a descriptor such as
// @hourly) and returns an unstarted Sweeper.
func NewSweeper(creds auth.CredentialStore, spec string, retention time.Duration) (*Sweeper, error) {
	if creds == nil {
		return nil, errors.New("housekeeping: credential store is required")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("housekeeping: schedule %q: %w", spec, err)
	}
	if retention < 0 {
		retention = 0
	}
	return &Sweeper{
		creds:     creds,
		schedule:  schedule,
		spec:      spec,
		retention: retention,
		timeout:   defaultSweepTimeout,
	}, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.creds.DeleteExpired(ctx, s.retention)
	if err != nil {
		obs.Logger().ErrorContext(ctx, "housekeeping: sweep failed", "error", err)
		return 0, err
	}
	obs.ObserveSweep(n)
	obs.Logger().InfoContext(ctx, "housekeeping: refresh credentials swept",
		"deleted", n,
		"retention", s.retention.String(),
	)
	return n, nil
}

// Next reports when the sweep fires after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Start schedules the sweep in the background.
func (s *Sweeper) Start() {
	if s.cron != nil {
		return
	}
	s.cron = cron.New()
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_, _ = s.RunOnce(ctx)
	}))
	s.cron.Start()
	obs.Logger().Info("housekeeping: sweeper started", "schedule", s.spec)
}

// Stop prevents further runs and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
