package executor

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tribunal/tribunal/internal/coord"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/tribunal/tribunal/internal/tracer"
	"github.com/tribunal/tribunal/internal/util"
)

// Params are the tunables of one executor agent.
type Params struct {
	Capacity       int
	DataDir        string
	UID            int
	GID            int
	ReportInterval time.Duration
	RetryTimes     int
	RetryInterval  time.Duration
}

// Agent owns the local task table and reports it to a judicator every tick.
// Judicator discovery goes through the registry keyspace; dial turns a
// discovered subject prefix into an RPC client.
type Agent struct {
	name     string
	params   Params
	registry coord.Store
	dial     func(prefix string) rpc.Judicator
	table    *table
	log      zerolog.Logger
}

func NewAgent(name string, params Params, registry coord.Store, dial func(prefix string) rpc.Judicator, log zerolog.Logger) *Agent {
	return &Agent{
		name:     name,
		params:   params,
		registry: registry,
		dial:     dial,
		table:    newTable(params.Capacity),
		log:      log,
	}
}

// Run reports immediately, then on every tick until ctx is cancelled. The
// very first report must succeed; an executor that cannot reach any
// judicator at startup is misconfigured and exits instead of idling.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.params.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", a.params.DataDir, err)
	}

	if err := a.reportOnce(ctx); err != nil {
		return fmt.Errorf("first report failed: %w", err)
	}

	ticker := time.NewTicker(a.params.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("report loop stopped")
			return nil
		case <-ticker.C:
			if err := a.reportOnce(ctx); err != nil {
				a.log.Error().Err(err).Msg("report failed, skipping task update")
			}
		}
	}
}

// reportOnce runs one exchange: snapshot the table, report to a random
// judicator with bounded retries, then apply the delete and assign lists.
func (a *Agent) reportOnce(ctx context.Context) error {
	ctx, span := tracer.Get().Start(ctx, "Executor/Report")
	defer span.End()

	complete, executing, vacant := a.table.snapshot()
	a.log.Debug().Int("complete", len(complete)).Int("executing", len(executing)).
		Int("vacant", vacant).Msg("collected report contents")

	var resp *rpc.ReportResponse
	err := util.Retry(ctx, a.params.RetryTimes, a.params.RetryInterval, false, a.log, "report to judicator", func() error {
		client, err := a.pickJudicator(ctx)
		if err != nil {
			return err
		}
		resp, err = client.Report(ctx, &rpc.ReportRequest{
			Executor:  a.name,
			Complete:  complete,
			Executing: executing,
			Vacant:    vacant,
		})
		if err != nil {
			return err
		}
		if resp.Code != rpc.CodeOK {
			return fmt.Errorf("judicator answered report with code %s", resp.Code)
		}
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	for _, b := range resp.Delete {
		a.log.Info().Str("task", b.ID).Msg("task acknowledged for removal")
		a.table.markCancel(b.ID)
	}
	for _, id := range a.table.sweep() {
		a.log.Info().Str("task", id).Msg("task removed from local table")
	}
	for i := range resp.Assign {
		t := resp.Assign[i]
		if !a.table.add(&t) {
			a.log.Warn().Str("task", t.ID).Msg("assigned task already present, ignoring")
			continue
		}
		a.log.Info().Str("task", t.ID).Msg("task assigned")
		go a.runSlot(&t)
	}
	return nil
}

// pickJudicator chooses one registered judicator at random. Every judicator
// can answer every call, so spreading load beats stickiness.
func (a *Agent) pickJudicator(ctx context.Context) (rpc.Judicator, error) {
	entries, err := a.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list judicator registry: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no judicator registered")
	}
	picked := entries[rand.Intn(len(entries))]
	a.log.Debug().Str("judicator", picked.Key).Msg("picked judicator")
	return a.dial(picked.Value), nil
}
