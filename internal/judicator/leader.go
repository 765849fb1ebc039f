package judicator

import (
	"context"
	"errors"
	"time"

	"github.com/tribunal/tribunal/internal/coord"
	"github.com/tribunal/tribunal/internal/util"
)

// leadKey is the single key whose holder is the current leader.
const leadKey = "leader"

// RunLeadLoop contests leadership every tick and, while leading, runs the
// reconciliation scan. Blocks until ctx is cancelled.
func (s *Service) RunLeadLoop(ctx context.Context) {
	s.log.Info().Msg("lead loop started")
	ticker := time.NewTicker(s.params.LeadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("lead loop stopped")
			return
		case <-ticker.C:
			s.leadOnce(ctx)
		}
	}
}

// leadOnce is one election tick: try to seize an absent leadership key, then
// refresh it conditioned on already holding it. Only a successful refresh
// makes this replica leader for the tick; losing either write is routine,
// not an error.
func (s *Service) leadOnce(ctx context.Context) {
	err := s.lead.Set(ctx, leadKey, s.name, coord.SetOptions{InsertOnly: true})
	switch {
	case err == nil:
		s.log.Info().Msg("no previous leader, this replica has become leader")
	case errors.Is(err, coord.ErrConflict):
		s.log.Debug().Msg("previous leader exists")
	default:
		s.log.Error().Err(err).Msg("failed to contest leadership")
		return
	}

	err = s.lead.Set(ctx, leadKey, s.name, coord.SetOptions{PrevValue: s.name})
	switch {
	case err == nil:
	case errors.Is(err, coord.ErrConflict):
		s.log.Debug().Msg("not leader this tick")
		return
	default:
		s.log.Error().Err(err).Msg("failed to refresh leadership")
		return
	}

	s.log.Info().Msg("this replica is leader, running reconciliation scan")
	s.reconcile(ctx)
}

// reconcile reclaims tasks orphaned by crashed executors and purges stale
// executor records, one atomic find-and-modify at a time. Both loops are
// idempotent, so a rival replica racing the same scan costs a cycle, never
// correctness.
func (s *Service) reconcile(ctx context.Context) {
	taskCutoff := time.Now().Add(-s.params.TaskExpiration)
	for {
		id, ok, err := s.tasks.ReclaimExpiredOne(ctx, taskCutoff)
		if err != nil {
			s.log.Error().Err(err).Msg("reconciliation task scan failed, retrying next tick")
			break
		}
		if !ok {
			break
		}
		s.log.Warn().Str("task", id).Msg("expired task set to retrying")
	}

	execCutoff := time.Now().Add(-s.params.ExecutorExpiration)
	for {
		hostname, ok, err := s.execs.DeleteExpiredOne(ctx, execCutoff)
		if err != nil {
			s.log.Error().Err(err).Msg("reconciliation executor scan failed, retrying next tick")
			break
		}
		if !ok {
			break
		}
		s.log.Warn().Str("executor", hostname).Msg("deleted expired executor record")
	}

	s.log.Info().Msg("reconciliation scan finished")
}

// RunRegisterLoop republishes this replica's RPC subject prefix under the
// discovery keyspace every tick, and best-effort deregisters on shutdown.
// Blocks until ctx is cancelled.
func (s *Service) RunRegisterLoop(ctx context.Context) {
	s.log.Info().Msg("register loop started")
	ticker := time.NewTicker(s.params.RegisterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deregister()
			s.log.Info().Msg("register loop stopped")
			return
		case <-ticker.C:
			if err := s.registry.Set(ctx, s.name, s.prefix, coord.SetOptions{}); err != nil {
				s.log.Error().Err(err).Msg("failed to update judicator registration")
				continue
			}
			s.log.Debug().Msg("updated judicator registration")
		}
	}
}

func (s *Service) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := util.Retry(ctx, s.params.RetryTimes, s.params.RetryInterval, false, s.log, "deregister judicator", func() error {
		return s.registry.Delete(ctx, s.name, coord.DeleteOptions{})
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("judicator registration left to expire by ttl")
	}
}
