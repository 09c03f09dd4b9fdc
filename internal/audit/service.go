// Package audit periodically re-derives closed sessions' totals from their
// raw intervals and flags drift against the stored values.
package audit

import (
	"context"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/models"
	"github.com/worklens/worklens/internal/timestats"
)

type Service struct {
	log      slog.Logger
	repo     *database.Repository
	clock    quartz.Clock
	interval time.Duration
	lookback time.Duration
}

func NewService(log slog.Logger, repo *database.Repository, clock quartz.Clock, interval, lookback time.Duration) *Service {
	return &Service{
		log:      log.Named("audit"),
		repo:     repo,
		clock:    clock,
		interval: interval,
		lookback: lookback,
	}
}

// Start runs the sweeper until ctx is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info(ctx, "starting integrity audit", slog.F("interval", s.interval))

	ticker := s.clock.NewTicker(s.interval, "audit")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "integrity audit stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error(ctx, "audit sweep failed", slog.Error(err))
			}
		}
	}
}

// RunOnce checks every session closed inside the lookback window. Returns
// the first storage error; individual drift findings are logged and
// recorded, not returned.
func (s *Service) RunOnce(ctx context.Context) error {
	since := s.clock.Now().Add(-s.lookback)
	sessions, err := s.repo.FinishedSessionsSince(ctx, since)
	if err != nil {
		return err
	}

	drifted := 0
	for i := range sessions {
		ok, err := s.checkSession(ctx, &sessions[i])
		if err != nil {
			return err
		}
		if !ok {
			drifted++
		}
	}

	if drifted > 0 {
		s.log.Warn(ctx, "audit sweep found drifted sessions",
			slog.F("checked", len(sessions)),
			slog.F("drifted", drifted),
		)
	}
	return nil
}

func (s *Service) checkSession(ctx context.Context, session *models.WorkSession) (bool, error) {
	if session.ClockOut == nil || session.TotalWork == nil {
		return true, nil
	}

	intervals, err := s.repo.IntervalsBetween(ctx, session.EmployeeID, session.DeviceID, session.ClockIn, *session.ClockOut)
	if err != nil {
		return false, err
	}

	fresh := timestats.Compute(intervals, timestats.Options{})
	stored := timestats.Stats{
		TotalWork:  *session.TotalWork,
		ActiveTime: derefOrZero(session.ActiveTime),
		IdleTime:   derefOrZero(session.IdleTime),
		// Category fields are not persisted on the session; copy them over
		// so Diverges only compares the stored totals.
		ProductiveTime:   fresh.ProductiveTime,
		NeutralTime:      fresh.NeutralTime,
		UnproductiveTime: fresh.UnproductiveTime,
	}

	if !timestats.Diverges(stored, fresh) {
		return true, nil
	}

	msg := fmt.Sprintf("session %d totals drifted: stored total=%d active=%d idle=%d, recomputed total=%d active=%d idle=%d",
		session.ID, stored.TotalWork, stored.ActiveTime, stored.IdleTime,
		fresh.TotalWork, fresh.ActiveTime, fresh.IdleTime)
	s.log.Warn(ctx, "session totals drifted from intervals",
		slog.F("session_id", session.ID),
		slog.F("device_id", session.DeviceID),
	)
	return false, s.repo.CreateErrorLog(ctx, &models.ErrorLog{
		Timestamp: s.clock.Now(),
		Component: "audit",
		DeviceID:  session.DeviceID,
		ErrorMsg:  msg,
	})
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
