package registry

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	apperrors "github.com/scalar/service/internal/errors"
)

// PauseMaintenanceUntil suspends maintenance sweeps until t.
func (r *Registry) PauseMaintenanceUntil(ctx context.Context, t time.Time) error {
	return r.withLock(ctx, func() error {
		content := strconv.FormatInt(t.Unix(), 10)
		if err := atomic.WriteFile(r.pausePath, strings.NewReader(content)); err != nil {
			return apperrors.RegistryIO("write pause file", err)
		}
		r.logger.Info().Time("until", t).Msg("maintenance paused")
		return nil
	})
}

// MaintenancePausedUntil reports whether maintenance is paused and until
// when. An expired pause file is removed. An unreadable one counts as no
// pause.
func (r *Registry) MaintenancePausedUntil(ctx context.Context) (time.Time, bool, error) {
	var until time.Time
	var paused bool
	err := r.withLock(ctx, func() error {
		data, err := os.ReadFile(r.pausePath)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn().Err(err).Msg("cannot read pause file")
			}
			return nil
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			r.logger.Warn().Str("content", string(data)).Msg("ignoring malformed pause file")
			return nil
		}

		until = time.Unix(seconds, 0)
		if until.After(r.now()) {
			paused = true
			return nil
		}
		if err := os.Remove(r.pausePath); err != nil && !os.IsNotExist(err) {
			return apperrors.RegistryIO("remove expired pause file", err)
		}
		return nil
	})
	return until, paused, err
}

// RemovePause deletes the pause file if present.
func (r *Registry) RemovePause(ctx context.Context) error {
	return r.withLock(ctx, func() error {
		if err := os.Remove(r.pausePath); err != nil && !os.IsNotExist(err) {
			return apperrors.RegistryIO("remove pause file", err)
		}
		return nil
	})
}
