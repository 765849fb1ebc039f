// Package judicator implements the coordinator: task persistence and
// assignment over the document store, the report/reconcile protocol, and the
// leader-election and registration loops against the coordination store.
package judicator

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/tribunal/tribunal/internal/coord"
	"github.com/tribunal/tribunal/internal/docstore"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/tribunal/tribunal/internal/tracer"
	"github.com/tribunal/tribunal/internal/util"
	"github.com/tribunal/tribunal/model"
)

// TaskStore is the slice of the document store the judicator drives. Every
// mutation is atomic find-and-modify; ownership-sensitive updates are keyed
// by (id, executor).
type TaskStore interface {
	Insert(ctx context.Context, t *model.Task) (string, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	CancelUndone(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, f docstore.TaskFilter) (int64, error)
	Search(ctx context.Context, f docstore.TaskFilter, oldToNew bool, limit, skip int) ([]model.TaskBrief, error)
	CompleteOwned(ctx context.Context, id, executor string, status model.Status, result *model.Result) (bool, error)
	ForceUnknownError(ctx context.Context, id, executor string) (bool, error)
	TouchExecuting(ctx context.Context, id, executor string, status model.Status) (bool, error)
	ReclaimUnreported(ctx context.Context, executor string, executing []string) ([]model.TaskBrief, error)
	AssignOne(ctx context.Context, executor string) (*model.Task, error)
	ReclaimExpiredOne(ctx context.Context, before time.Time) (string, bool, error)
}

// ExecutorStore holds the ephemeral worker liveness records.
type ExecutorStore interface {
	Upsert(ctx context.Context, hostname string) error
	List(ctx context.Context) ([]model.ExecutorInfo, error)
	DeleteExpiredOne(ctx context.Context, before time.Time) (string, bool, error)
}

// Params are the tunables of one judicator replica.
type Params struct {
	LeadInterval       time.Duration
	RegisterInterval   time.Duration
	TaskExpiration     time.Duration
	ExecutorExpiration time.Duration
	RetryTimes         int
	RetryInterval      time.Duration
}

// Service is one judicator replica. It serves the RPC method set and runs
// the lead/registration loops. Replicas share no state beyond the stores.
type Service struct {
	name     string
	prefix   string
	params   Params
	tasks    TaskStore
	execs    ExecutorStore
	lead     coord.Store
	registry coord.Store
	log      zerolog.Logger
}

func NewService(name, prefix string, params Params, tasks TaskStore, execs ExecutorStore, lead, registry coord.Store, log zerolog.Logger) *Service {
	return &Service{
		name:     name,
		prefix:   prefix,
		params:   params,
		tasks:    tasks,
		execs:    execs,
		lead:     lead,
		registry: registry,
		log:      log,
	}
}

func (s *Service) Ping(ctx context.Context) (*rpc.PingResponse, error) {
	return &rpc.PingResponse{Code: rpc.CodeOK}, nil
}

// Add validates and persists a fresh task. Client-supplied id, status,
// ownership, done flag and result are stripped; the store assigns the id.
func (s *Service) Add(ctx context.Context, req *rpc.AddRequest) (*rpc.AddResponse, error) {
	ctx, span := tracer.Get().Start(ctx, "Judicator/Add")
	defer span.End()

	t := req.Task
	if !util.CheckInt(t.User) {
		return &rpc.AddResponse{Code: rpc.CodeInvalidInput}, nil
	}
	if t.Compile != nil && !util.CheckInt(t.Compile.Timeout) {
		return &rpc.AddResponse{Code: rpc.CodeInvalidInput}, nil
	}
	if t.Execute != nil && !util.CheckInt(t.Execute.Timeout) {
		return &rpc.AddResponse{Code: rpc.CodeInvalidInput}, nil
	}

	now := time.Now()
	t.ID = ""
	t.Executor = ""
	t.Result = nil
	t.Done = false
	t.Status = model.StatusPending
	t.AddTime = now
	t.ReportTime = now

	if t.Oversized() {
		return &rpc.AddResponse{Code: rpc.CodeTooLarge}, nil
	}

	id, err := s.tasks.Insert(ctx, &t)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to insert task")
		return &rpc.AddResponse{Code: rpc.CodeError}, nil
	}
	s.log.Info().Str("task", id).Msg("task added")
	return &rpc.AddResponse{Code: rpc.CodeOK, ID: id}, nil
}

// Cancel moves a not-yet-done task straight to its cancelled terminal state.
// Tasks already finished (or unknown ids) report NOT_EXIST.
func (s *Service) Cancel(ctx context.Context, req *rpc.CancelRequest) (*rpc.CancelResponse, error) {
	ctx, span := tracer.Get().Start(ctx, "Judicator/Cancel")
	defer span.End()

	if !util.CheckID(req.ID) {
		return &rpc.CancelResponse{Code: rpc.CodeInvalidInput}, nil
	}
	ok, err := s.tasks.CancelUndone(ctx, req.ID)
	if err != nil {
		s.log.Error().Err(err).Str("task", req.ID).Msg("failed to cancel task")
		return &rpc.CancelResponse{Code: rpc.CodeError}, nil
	}
	if !ok {
		return &rpc.CancelResponse{Code: rpc.CodeNotExist}, nil
	}
	s.log.Info().Str("task", req.ID).Msg("task cancelled")
	return &rpc.CancelResponse{Code: rpc.CodeOK}, nil
}

// Search pages through brief task views matching the optional filters.
// No matches is an empty OK result, not an error.
func (s *Service) Search(ctx context.Context, req *rpc.SearchRequest) (*rpc.SearchResponse, error) {
	ctx, span := tracer.Get().Start(ctx, "Judicator/Search")
	defer span.End()

	if req.ID != "" && !util.CheckID(req.ID) {
		return &rpc.SearchResponse{Code: rpc.CodeInvalidInput}, nil
	}
	if req.Limit < 0 || req.Page < 0 {
		return &rpc.SearchResponse{Code: rpc.CodeInvalidInput}, nil
	}
	if req.User != nil && !util.CheckInt(*req.User) {
		return &rpc.SearchResponse{Code: rpc.CodeInvalidInput}, nil
	}

	filter := docstore.TaskFilter{
		ID:        req.ID,
		User:      req.User,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}

	count, err := s.tasks.Count(ctx, filter)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to count tasks")
		return &rpc.SearchResponse{Code: rpc.CodeError}, nil
	}
	pageCount := 1
	if req.Limit > 0 {
		pageCount = int(math.Ceil(float64(count) / float64(req.Limit)))
	}

	briefs, err := s.tasks.Search(ctx, filter, req.OldToNew, req.Limit, req.Limit*req.Page)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to search tasks")
		return &rpc.SearchResponse{Code: rpc.CodeError}, nil
	}
	return &rpc.SearchResponse{Code: rpc.CodeOK, PageCount: pageCount, Tasks: briefs}, nil
}

// Get fetches one full task record including payloads and result.
func (s *Service) Get(ctx context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	ctx, span := tracer.Get().Start(ctx, "Judicator/Get")
	defer span.End()

	if !util.CheckID(req.ID) {
		return &rpc.GetResponse{Code: rpc.CodeInvalidInput}, nil
	}
	t, err := s.tasks.Get(ctx, req.ID)
	if err != nil {
		s.log.Error().Err(err).Str("task", req.ID).Msg("failed to get task")
		return &rpc.GetResponse{Code: rpc.CodeError}, nil
	}
	if t == nil {
		return &rpc.GetResponse{Code: rpc.CodeNotExist}, nil
	}
	return &rpc.GetResponse{Code: rpc.CodeOK, Task: t}, nil
}

// Report is the reconciliation exchange with one executor. Processing order
// is load-bearing: completions commit first, then executing refreshes, then
// unreported reclamation, then new assignment; reordering would let the
// unreported check reclaim a task that is completing in this very call.
func (s *Service) Report(ctx context.Context, req *rpc.ReportRequest) (*rpc.ReportResponse, error) {
	ctx, span := tracer.Get().Start(ctx, "Judicator/Report")
	defer span.End()

	if req.Executor == "" {
		return &rpc.ReportResponse{Code: rpc.CodeInvalidInput}, nil
	}

	if err := s.execs.Upsert(ctx, req.Executor); err != nil {
		s.log.Error().Err(err).Str("executor", req.Executor).Msg("failed to refresh executor record")
	}

	var deleteList []model.TaskBrief
	var assignList []model.Task

	for i := range req.Complete {
		t := &req.Complete[i]
		var matched bool
		var err error
		if t.Oversized() {
			// the record cannot be stored as reported; commit a terminal
			// unknown-error state with an empty result instead
			s.log.Warn().Str("task", t.ID).Msg("completed task result exceeds size ceiling")
			matched, err = s.tasks.ForceUnknownError(ctx, t.ID, req.Executor)
		} else {
			matched, err = s.tasks.CompleteOwned(ctx, t.ID, req.Executor, t.Status, t.Result)
		}
		if err != nil {
			s.log.Error().Err(err).Str("task", t.ID).Msg("failed to commit completed task")
		} else if !matched {
			s.log.Warn().Str("task", t.ID).Str("executor", req.Executor).
				Msg("completed task no longer owned by reporter")
		}
		// the executor's authoritative state for this id is "finished";
		// it must forget the task whatever the store said
		deleteList = append(deleteList, t.Brief())
	}

	executingIDs := make([]string, 0, len(req.Executing))
	for _, b := range req.Executing {
		executingIDs = append(executingIDs, b.ID)
		matched, err := s.tasks.TouchExecuting(ctx, b.ID, req.Executor, b.Status)
		if err != nil {
			s.log.Error().Err(err).Str("task", b.ID).Msg("failed to refresh executing task")
			continue
		}
		if !matched {
			s.log.Warn().Str("task", b.ID).Str("executor", req.Executor).
				Msg("executing task no longer owned by reporter")
			deleteList = append(deleteList, b)
		}
	}

	reclaimed, err := s.tasks.ReclaimUnreported(ctx, req.Executor, executingIDs)
	if err != nil {
		s.log.Error().Err(err).Str("executor", req.Executor).Msg("failed to reclaim unreported tasks")
	}
	for _, b := range reclaimed {
		s.log.Warn().Str("task", b.ID).Str("executor", req.Executor).
			Msg("reclaimed task the executor silently dropped")
		deleteList = append(deleteList, b)
	}

	for vacant := req.Vacant; vacant > 0; vacant-- {
		t, err := s.tasks.AssignOne(ctx, req.Executor)
		if err != nil {
			s.log.Error().Err(err).Str("executor", req.Executor).Msg("failed to assign task")
			break
		}
		if t == nil {
			break
		}
		s.log.Info().Str("task", t.ID).Str("executor", req.Executor).Msg("task assigned")
		assignList = append(assignList, *t)
	}

	return &rpc.ReportResponse{Code: rpc.CodeOK, Delete: deleteList, Assign: assignList}, nil
}

// Executors dumps the live worker registration set.
func (s *Service) Executors(ctx context.Context) (*rpc.ExecutorsResponse, error) {
	infos, err := s.execs.List(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list executors")
		return &rpc.ExecutorsResponse{Code: rpc.CodeError}, nil
	}
	return &rpc.ExecutorsResponse{Code: rpc.CodeOK, Executors: infos}, nil
}
