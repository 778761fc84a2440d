// Package scheduler runs the background sweeps that make deadlines hold
// even when nobody is polling: overdue sessions are auto-submitted or timed
// out and overdue invitations expired. Every job repeats the same time
// comparisons the lazy read paths use, so the two mechanisms are idempotent
// against each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skillgate/skillgate/internal/clock"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	obsmetrics "github.com/skillgate/skillgate/internal/observability/metrics"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Sessions    sessiondomain.Service
	Invitations invitationdomain.Service
	Metrics     *obsmetrics.SweepMetrics `optional:"true"`
	Config      Config                   `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	sessions    sessiondomain.Service
	invitations invitationdomain.Service
	metrics     *obsmetrics.SweepMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Sessions == nil || p.Invitations == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler"),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		sessions:    p.Sessions,
		invitations: p.Invitations,
		metrics:     p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	s.metrics.IncJobRun(name)
	processed, err := fn(ctx)
	s.metrics.AddProcessed(name, processed)
	s.metrics.ObserveJobDuration(name, time.Since(start).Seconds())

	if processed > 0 {
		s.log.Info("sweep job processed",
			zap.String("job", name),
			zap.Int("processed", processed))
	}
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// A slow batch finishes on the next tick; not worth failing the run.
		s.log.Warn("sweep job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout))
		return nil
	}
	s.log.Error("sweep job failed", zap.String("job", name), zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	// auto_submit must claim answered sessions before the timeout sweep
	// flips them out of the overdue set.
	err = errors.Join(err, s.runJob(parent, "auto_submit", s.AutoSubmitJob))
	err = errors.Join(err, s.runJob(parent, "session_timeout_sweep", s.SessionTimeoutJob))
	err = errors.Join(err, s.runJob(parent, "invitation_expiry_sweep", s.InvitationExpiryJob))
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// AutoSubmitJob grades and closes overdue sessions that carry answers. The
// session service marks them AUTO_SUBMITTED; the linked invitation is then
// completed so the token cannot be replayed.
func (s *Scheduler) AutoSubmitJob(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var jobErr error
	processed := 0

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}
		overdue, err := s.sessions.FindOverdue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return processed, errors.Join(jobErr, err)
		}

		advanced := 0
		for _, sess := range overdue {
			if len(sess.Answers) == 0 {
				continue
			}
			result, err := s.sessions.Submit(ctx, sess.ID, nil, true)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("auto submit failed",
					zap.Int64("session_id", int64(sess.ID)),
					zap.Error(err))
				continue
			}
			advanced++
			processed++

			if sess.InvitationID == nil {
				continue
			}
			if err := s.invitations.Complete(ctx, *sess.InvitationID, result.ID); err != nil {
				// The lazy path may have completed it already.
				if !errors.Is(err, invitationdomain.ErrInvalidState) {
					jobErr = errors.Join(jobErr, err)
					s.log.Warn("auto submit invitation completion failed",
						zap.Int64("invitation_id", int64(*sess.InvitationID)),
						zap.Error(err))
				}
			}
		}
		if advanced == 0 {
			break
		}
	}

	return processed, jobErr
}

// SessionTimeoutJob flips the remaining overdue sessions (no answers to
// grade) to TIMED_OUT via the same check the credential path uses.
func (s *Scheduler) SessionTimeoutJob(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var jobErr error
	processed := 0

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}
		overdue, err := s.sessions.FindOverdue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return processed, errors.Join(jobErr, err)
		}
		if len(overdue) == 0 {
			break
		}

		advanced := 0
		for _, sess := range overdue {
			_, mutated, err := s.sessions.CheckAndMaybeExpire(ctx, sess)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if mutated {
				advanced++
				processed++
			}
		}
		if advanced == 0 {
			break
		}
	}

	return processed, jobErr
}

func (s *Scheduler) InvitationExpiryJob(ctx context.Context) (int, error) {
	return s.invitations.ExpireOverdue(ctx, s.clock.Now(), s.cfg.BatchSize)
}
