package session

import (
	"context"
	"time"

	"cdr.dev/slog/v3"

	"github.com/worklens/worklens/internal/database"
)

// orphanFallbackOffset closes an orphaned session a short distance after its
// clock-in when the device has no usable last-seen timestamp.
const orphanFallbackOffset = time.Minute

// RecoverOrphans closes every session a device left open after crashing or
// being killed without a clean clock-out. It runs at device (re)registration,
// before the device is marked active again. The synthetic clock-out is the
// device's previous last-seen timestamp, or clock-in plus a minimal offset
// when last-seen is missing or precedes the clock-in. Returns the number of
// sessions closed.
func (e *Engine) RecoverOrphans(ctx context.Context, repo *database.Repository, deviceID string, previousLastSeen time.Time) (int, error) {
	recovered := 0
	err := repo.InTx(ctx, func(tx *database.Repository) error {
		sessions, err := tx.OpenSessionsForDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		for i := range sessions {
			session := &sessions[i]
			cutoff := previousLastSeen
			if cutoff.IsZero() || cutoff.Before(session.ClockIn) {
				cutoff = session.ClockIn.Add(orphanFallbackOffset)
			}
			e.log.Info(ctx, "recovering orphaned session",
				slog.F("device_id", deviceID),
				slog.F("session_id", session.ID),
				slog.F("clock_in", session.ClockIn),
				slog.F("synthetic_clock_out", cutoff),
			)
			if err := e.closeSession(ctx, tx, session, cutoff); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}
