package service

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scalar/service/internal/dispatch"
	apperrors "github.com/scalar/service/internal/errors"
)

// SweepReport summarizes one maintenance sweep for the active user.
type SweepReport struct {
	SweepID         string
	Task            dispatch.Task
	Owner           string
	InRegistry      int
	Skipped         int
	Removed         int
	RemovalFailures int
	Maintained      int
	Failed          []string // roots whose dispatch failed, sorted
	Paused          bool
	Duration        time.Duration
}

// RunSweep runs task for every registration of the active user. A paused
// schedule skips everything except config; a repo on a missing volume is
// skipped; a repo whose directory is gone is unregistered. Dispatches run
// concurrently and one failure never stops the others.
func (s *Service) RunSweep(ctx context.Context, task dispatch.Task) (SweepReport, error) {
	report := SweepReport{SweepID: uuid.NewString(), Task: task}
	start := time.Now()

	if _, err := dispatch.ParseTask(string(task)); err != nil {
		return report, err
	}
	owner, _, ok := s.user.get()
	if !ok {
		s.logger.Info().Str("task", string(task)).Msg("skipping sweep, no registered user")
		return report, apperrors.New(apperrors.CodeServiceNoActiveUser, "no active user registered")
	}
	report.Owner = owner

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	log := s.logger.With().
		Str("sweep_id", report.SweepID).
		Str("task", string(task)).
		Str("owner", owner).
		Logger()

	regs, err := s.opts.Registry.GetAllForOwner(ctx, owner)
	if err != nil {
		log.Error().Err(err).Msg("cannot read registry for sweep")
		return report, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Workers)

	// Running helpers finish even if the sweep is cancelled; no new ones start.
	jobCtx := context.WithoutCancel(ctx)

	for _, reg := range regs {
		report.InRegistry++
		root := reg.EnlistmentRoot
		rlog := log.With().Str("enlistment_root", root).Logger()

		if !reg.IsActive || ctx.Err() != nil {
			report.Skipped++
			continue
		}

		if task.RespectsPause() && !report.Paused {
			if until, paused, err := s.opts.Registry.MaintenancePausedUntil(ctx); err != nil {
				rlog.Warn().Err(err).Msg("cannot check maintenance pause")
			} else if paused {
				log.Info().Time("until", until).Msg("maintenance paused")
				report.Paused = true
			}
		}
		if report.Paused {
			report.Skipped++
			continue
		}

		if vol := volumeRoot(root); vol != "" && !s.dirExists(vol) {
			rlog.Info().Str("volume", vol).Msg("skipping repo on missing volume")
			report.Skipped++
			continue
		}

		if !s.dirExists(root) {
			if err := s.opts.Registry.TryUnregister(ctx, root); err != nil {
				rlog.Warn().Err(err).Msg("failed to unregister missing repo")
				report.RemovalFailures++
			} else {
				rlog.Info().Msg("unregistered missing repo")
				report.Removed++
			}
			continue
		}

		report.Maintained++
		if s.opts.Dispatcher == nil {
			continue
		}
		job := dispatch.Job{Task: task, RepoRoot: root, Owner: reg.OwnerSID, SweepID: report.SweepID}
		g.Go(func() error {
			if _, err := s.opts.Dispatcher.Run(jobCtx, job); err != nil {
				mu.Lock()
				report.Failed = append(report.Failed, job.RepoRoot)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Failed)
	report.Duration = time.Since(start)
	log.Info().
		Int("in_registry", report.InRegistry).
		Int("skipped", report.Skipped).
		Int("removed", report.Removed).
		Int("removal_failures", report.RemovalFailures).
		Int("maintained", report.Maintained).
		Int("failed", len(report.Failed)).
		Bool("paused", report.Paused).
		Dur("duration", report.Duration).
		Msg("maintenance summary")
	return report, nil
}

// volumeRoot returns the mount point a repo lives under when it sits on a
// removable or secondary volume, or "" for the root filesystem.
func volumeRoot(root string) string {
	clean := filepath.Clean(root)
	parts := strings.Split(strings.TrimPrefix(clean, string(filepath.Separator)), string(filepath.Separator))
	if len(parts) < 2 {
		return ""
	}
	switch parts[0] {
	case "Volumes", "mnt":
		return string(filepath.Separator) + filepath.Join(parts[0], parts[1])
	case "media", "run":
		// /media/<user>/<label> and /run/media/<user>/<label>
		depth := 3
		if parts[0] == "run" {
			if parts[1] != "media" {
				return ""
			}
			depth = 4
		}
		if len(parts) < depth {
			return ""
		}
		return string(filepath.Separator) + filepath.Join(parts[:depth]...)
	}
	return ""
}
