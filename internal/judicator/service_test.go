package judicator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tribunal/tribunal/internal/coord"
	"github.com/tribunal/tribunal/internal/docstore"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/tribunal/tribunal/model"
)

// memTaskStore mimics the document store's atomic find-and-modify semantics
// under one mutex.
type memTaskStore struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*model.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: map[string]*model.Task{}}
}

func (m *memTaskStore) Insert(ctx context.Context, t *model.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%032x", m.seq)
	cp := *t
	cp.ID = id
	m.tasks[id] = &cp
	return id, nil
}

func (m *memTaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskStore) CancelUndone(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Done {
		return false, nil
	}
	t.Executor = ""
	t.Status = model.StatusCancelled
	t.Done = true
	t.ReportTime = time.Now()
	return true, nil
}

func (m *memTaskStore) matches(t *model.Task, f docstore.TaskFilter) bool {
	if f.ID != "" && t.ID != f.ID {
		return false
	}
	if f.User != nil && t.User != *f.User {
		return false
	}
	if f.StartTime != nil && t.AddTime.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && t.AddTime.After(*f.EndTime) {
		return false
	}
	return true
}

func (m *memTaskStore) Count(ctx context.Context, f docstore.TaskFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if m.matches(t, f) {
			n++
		}
	}
	return n, nil
}

func (m *memTaskStore) Search(ctx context.Context, f docstore.TaskFilter, oldToNew bool, limit, skip int) ([]model.TaskBrief, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Task
	for _, t := range m.tasks {
		if m.matches(t, f) {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if oldToNew {
			return all[i].AddTime.Before(all[j].AddTime)
		}
		return all[j].AddTime.Before(all[i].AddTime)
	})
	var briefs []model.TaskBrief
	for i, t := range all {
		if limit > 0 && i < skip {
			continue
		}
		if limit > 0 && len(briefs) >= limit {
			break
		}
		briefs = append(briefs, t.Brief())
	}
	return briefs, nil
}

func (m *memTaskStore) CompleteOwned(ctx context.Context, id, executor string, status model.Status, result *model.Result) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Done || t.Executor != executor {
		return false, nil
	}
	t.Done = true
	t.Status = status
	t.Executor = ""
	t.ReportTime = time.Now()
	if result != nil {
		cp := *result
		t.Result = &cp
	} else {
		t.Result = &model.Result{}
	}
	return true, nil
}

func (m *memTaskStore) ForceUnknownError(ctx context.Context, id, executor string) (bool, error) {
	return m.CompleteOwned(ctx, id, executor, model.StatusUnknownError, &model.Result{})
}

func (m *memTaskStore) TouchExecuting(ctx context.Context, id, executor string, status model.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Done || t.Executor != executor {
		return false, nil
	}
	t.Status = status
	t.ReportTime = time.Now()
	return true, nil
}

func (m *memTaskStore) ReclaimUnreported(ctx context.Context, executor string, executing []string) ([]model.TaskBrief, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	listed := map[string]bool{}
	for _, id := range executing {
		listed[id] = true
	}
	var briefs []model.TaskBrief
	for _, t := range m.tasks {
		if t.Done || t.Executor != executor || listed[t.ID] {
			continue
		}
		t.Executor = ""
		t.Status = model.StatusRetrying
		t.ReportTime = time.Now()
		briefs = append(briefs, t.Brief())
	}
	return briefs, nil
}

func (m *memTaskStore) AssignOne(ctx context.Context, executor string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *model.Task
	for _, t := range m.tasks {
		if t.Done || t.Executor != "" {
			continue
		}
		if oldest == nil || t.AddTime.Before(oldest.AddTime) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Executor = executor
	oldest.ReportTime = time.Now()
	cp := *oldest
	return &cp, nil
}

func (m *memTaskStore) ReclaimExpiredOne(ctx context.Context, before time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Done || t.Executor == "" || !t.ReportTime.Before(before) {
			continue
		}
		t.Executor = ""
		t.Status = model.StatusRetrying
		return t.ID, true, nil
	}
	return "", false, nil
}

type memExecutorStore struct {
	mu    sync.Mutex
	execs map[string]time.Time
}

func newMemExecutorStore() *memExecutorStore {
	return &memExecutorStore{execs: map[string]time.Time{}}
}

func (m *memExecutorStore) Upsert(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[hostname] = time.Now()
	return nil
}

func (m *memExecutorStore) List(ctx context.Context) ([]model.ExecutorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []model.ExecutorInfo
	for h, rt := range m.execs {
		infos = append(infos, model.ExecutorInfo{Hostname: h, ReportTime: rt})
	}
	return infos, nil
}

func (m *memExecutorStore) DeleteExpiredOne(ctx context.Context, before time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, rt := range m.execs {
		if rt.Before(before) {
			delete(m.execs, h)
			return h, true, nil
		}
	}
	return "", false, nil
}

// memCoord mimics the coordination store's conditional writes.
type memCoord struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCoord() *memCoord {
	return &memCoord{data: map[string]string{}}
}

func (m *memCoord) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", coord.ErrNotFound
	}
	return v, nil
}

func (m *memCoord) List(ctx context.Context) ([]coord.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []coord.Entry
	for k, v := range m.data {
		entries = append(entries, coord.Entry{Key: k, Value: v})
	}
	return entries, nil
}

func (m *memCoord) Set(ctx context.Context, key, value string, opts coord.SetOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.data[key]
	if opts.InsertOnly && exists {
		return coord.ErrConflict
	}
	if opts.PrevValue != "" && (!exists || cur != opts.PrevValue) {
		return coord.ErrConflict
	}
	m.data[key] = value
	return nil
}

func (m *memCoord) Delete(ctx context.Context, key string, opts coord.DeleteOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.PrevValue != "" {
		cur, exists := m.data[key]
		if !exists || cur != opts.PrevValue {
			return coord.ErrConflict
		}
	}
	delete(m.data, key)
	return nil
}

func newTestService(name string) (*Service, *memTaskStore, *memExecutorStore, *memCoord) {
	tasks := newMemTaskStore()
	execs := newMemExecutorStore()
	kv := newMemCoord()
	svc := NewService(name, "tribunal.rpc."+name, Params{
		LeadInterval:       time.Second,
		RegisterInterval:   time.Second,
		TaskExpiration:     time.Minute,
		ExecutorExpiration: time.Minute,
		RetryTimes:         3,
		RetryInterval:      time.Millisecond,
	}, tasks, execs, kv, kv, zerolog.Nop())
	return svc, tasks, execs, kv
}

func pendingTask(user int) model.Task {
	return model.Task{
		User:    user,
		Compile: &model.Compile{Command: []byte("zipped"), Timeout: 10},
		Execute: &model.Execute{Command: []byte("zipped"), Timeout: 10},
	}
}

func addTask(t *testing.T, svc *Service, user int) string {
	t.Helper()
	resp, err := svc.Add(context.Background(), &rpc.AddRequest{Task: pendingTask(user)})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, resp.Code)
	return resp.ID
}

func TestAddStripsClientFields(t *testing.T) {
	t.Parallel()
	svc, tasks, _, _ := newTestService("j1")

	in := pendingTask(7)
	in.ID = "ffffffffffffffffffffffffffffffff"
	in.Done = true
	in.Status = model.StatusSuccess
	in.Executor = "rogue"
	in.Result = &model.Result{CompileOutput: []byte("x")}

	resp, err := svc.Add(context.Background(), &rpc.AddRequest{Task: in})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, resp.Code)
	require.NotEqual(t, in.ID, resp.ID)

	stored, err := tasks.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	require.False(t, stored.Done)
	require.Equal(t, model.StatusPending, stored.Status)
	require.Empty(t, stored.Executor)
	require.Nil(t, stored.Result)
	require.False(t, stored.AddTime.IsZero())
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")

	bad := pendingTask(1)
	bad.Compile.Timeout = -5
	resp, err := svc.Add(context.Background(), &rpc.AddRequest{Task: bad})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeInvalidInput, resp.Code)

	bad = pendingTask(-1)
	resp, err = svc.Add(context.Background(), &rpc.AddRequest{Task: bad})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeInvalidInput, resp.Code)
}

func TestAddTooLarge(t *testing.T) {
	t.Parallel()
	svc, tasks, _, _ := newTestService("j1")

	big := pendingTask(1)
	big.Compile.Source = make([]byte, model.MaxRecordSize)
	resp, err := svc.Add(context.Background(), &rpc.AddRequest{Task: big})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeTooLarge, resp.Code)
	require.Empty(t, tasks.tasks)
}

func TestCancelTerminality(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	id := addTask(t, svc, 1)

	// claim it for an executor first
	report, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Vacant: 1})
	require.NoError(t, err)
	require.Len(t, report.Assign, 1)

	cResp, err := svc.Cancel(ctx, &rpc.CancelRequest{ID: id})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, cResp.Code)

	// a late completion from the old owner must not clobber the cancel
	done := pendingTask(1)
	done.ID = id
	done.Status = model.StatusSuccess
	done.Done = true
	_, err = svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Complete: []model.Task{done}})
	require.NoError(t, err)

	gResp, err := svc.Get(ctx, &rpc.GetRequest{ID: id})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, gResp.Code)
	require.True(t, gResp.Task.Done)
	require.Equal(t, model.StatusCancelled, gResp.Task.Status)

	// cancelling a finished task reports not-exist
	cResp, err = svc.Cancel(ctx, &rpc.CancelRequest{ID: id})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeNotExist, cResp.Code)
}

func TestCancelInvalidID(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")

	resp, err := svc.Cancel(context.Background(), &rpc.CancelRequest{ID: "nope"})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeInvalidInput, resp.Code)
}

func TestGetNotExist(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")

	resp, err := svc.Get(context.Background(), &rpc.GetRequest{ID: "0123456789abcdef0123456789abcdef"})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeNotExist, resp.Code)
}

func TestSearchPaging(t *testing.T) {
	t.Parallel()
	svc, tasks, _, _ := newTestService("j1")
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		tk := pendingTask(1)
		tk.AddTime = base.Add(time.Duration(i) * time.Second)
		tk.ReportTime = tk.AddTime
		_, err := tasks.Insert(ctx, &tk)
		require.NoError(t, err)
	}

	resp, err := svc.Search(ctx, &rpc.SearchRequest{OldToNew: true, Limit: 2, Page: 0})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, resp.Code)
	require.Equal(t, 3, resp.PageCount)
	require.Len(t, resp.Tasks, 2)
	require.True(t, resp.Tasks[0].AddTime.Before(resp.Tasks[1].AddTime))

	resp, err = svc.Search(ctx, &rpc.SearchRequest{OldToNew: true, Limit: 2, Page: 2})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)

	// limit 0 means unbounded, one page
	resp, err = svc.Search(ctx, &rpc.SearchRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, resp.PageCount)
	require.Len(t, resp.Tasks, 5)
}

func TestSearchEmptyIsOK(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")

	user := 42
	resp, err := svc.Search(context.Background(), &rpc.SearchRequest{User: &user})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, resp.Code)
	require.Equal(t, 1, resp.PageCount)
	require.Empty(t, resp.Tasks)
}

func TestReportAssignsWithinVacancy(t *testing.T) {
	t.Parallel()
	svc, tasks, execs, _ := newTestService("j1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addTask(t, svc, i)
	}

	resp, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Vacant: 2})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, resp.Code)
	require.Len(t, resp.Assign, 2)
	for _, a := range resp.Assign {
		require.Equal(t, "e1", a.Executor)
	}

	// liveness record was upserted
	infos, err := execs.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "e1", infos[0].Hostname)

	// only one unowned task remains
	var unowned int
	for _, tk := range tasks.tasks {
		if tk.Executor == "" {
			unowned++
		}
	}
	require.Equal(t, 1, unowned)
}

func TestReportCompletionThenDelete(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	id := addTask(t, svc, 1)
	resp, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Vacant: 1})
	require.NoError(t, err)
	require.Len(t, resp.Assign, 1)

	done := resp.Assign[0]
	done.Status = model.StatusSuccess
	done.Done = true
	done.Result = &model.Result{ExecuteOutput: []byte("zipped")}

	resp, err = svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Complete: []model.Task{done}})
	require.NoError(t, err)
	require.Len(t, resp.Delete, 1)
	require.Equal(t, id, resp.Delete[0].ID)

	gResp, err := svc.Get(ctx, &rpc.GetRequest{ID: id})
	require.NoError(t, err)
	require.True(t, gResp.Task.Done)
	require.Equal(t, model.StatusSuccess, gResp.Task.Status)
	require.Empty(t, gResp.Task.Executor)
	require.NotNil(t, gResp.Task.Result)
}

func TestReportCompletionNotReclaimedInSameCall(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	id := addTask(t, svc, 1)
	resp, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Vacant: 1})
	require.NoError(t, err)
	require.Len(t, resp.Assign, 1)

	// a task reported complete is absent from the executing list; the
	// unreported check must not see it because the completion commits first
	done := resp.Assign[0]
	done.Status = model.StatusSuccess
	done.Done = true
	_, err = svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Complete: []model.Task{done}})
	require.NoError(t, err)

	gResp, err := svc.Get(ctx, &rpc.GetRequest{ID: id})
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, gResp.Task.Status)
	require.True(t, gResp.Task.Done)
}

func TestReportRevokedExecutingGoesToDeleteList(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	id := addTask(t, svc, 1)

	// the executor believes it is running a task the judicator never
	// assigned to it (reclaimed meanwhile)
	brief := model.TaskBrief{ID: id, Status: model.StatusRunning}
	resp, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Executing: []model.TaskBrief{brief}})
	require.NoError(t, err)
	require.Len(t, resp.Delete, 1)
	require.Equal(t, id, resp.Delete[0].ID)
}

func TestReportReclaimsUnreportedTasks(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	id := addTask(t, svc, 1)
	resp, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Vacant: 1})
	require.NoError(t, err)
	require.Len(t, resp.Assign, 1)

	// executor reports neither completion nor execution: it silently
	// dropped the task, so the server reclaims it
	resp, err = svc.Report(ctx, &rpc.ReportRequest{Executor: "e1"})
	require.NoError(t, err)
	require.Len(t, resp.Delete, 1)

	gResp, err := svc.Get(ctx, &rpc.GetRequest{ID: id})
	require.NoError(t, err)
	require.False(t, gResp.Task.Done)
	require.Equal(t, model.StatusRetrying, gResp.Task.Status)
	require.Empty(t, gResp.Task.Executor)
}

func TestReportAtMostOneOwner(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	id := addTask(t, svc, 1)

	var wg sync.WaitGroup
	assigned := make([][]model.Task, 2)
	for i, name := range []string{"e1", "e2"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			resp, err := svc.Report(ctx, &rpc.ReportRequest{Executor: name, Vacant: 1})
			require.NoError(t, err)
			assigned[i] = resp.Assign
		}(i, name)
	}
	wg.Wait()

	total := len(assigned[0]) + len(assigned[1])
	require.Equal(t, 1, total, "exactly one executor may win the task")

	gResp, err := svc.Get(ctx, &rpc.GetRequest{ID: id})
	require.NoError(t, err)
	require.Contains(t, []string{"e1", "e2"}, gResp.Task.Executor)
}

func TestReportOversizedCompletionForcedToUnknownError(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	id := addTask(t, svc, 1)
	resp, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Vacant: 1})
	require.NoError(t, err)
	require.Len(t, resp.Assign, 1)

	done := resp.Assign[0]
	done.Status = model.StatusSuccess
	done.Done = true
	done.Result = &model.Result{ExecuteOutput: make([]byte, model.MaxRecordSize)}

	resp, err = svc.Report(ctx, &rpc.ReportRequest{Executor: "e1", Complete: []model.Task{done}})
	require.NoError(t, err)
	require.Len(t, resp.Delete, 1)

	gResp, err := svc.Get(ctx, &rpc.GetRequest{ID: id})
	require.NoError(t, err)
	require.True(t, gResp.Task.Done)
	require.Equal(t, model.StatusUnknownError, gResp.Task.Status)
	require.Empty(t, gResp.Task.Result.ExecuteOutput)
}

func TestExecutorsDump(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService("j1")
	ctx := context.Background()

	_, err := svc.Report(ctx, &rpc.ReportRequest{Executor: "e1"})
	require.NoError(t, err)
	_, err = svc.Report(ctx, &rpc.ReportRequest{Executor: "e2"})
	require.NoError(t, err)

	resp, err := svc.Executors(ctx)
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, resp.Code)
	require.Len(t, resp.Executors, 2)
}
