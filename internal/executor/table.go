// Package executor implements the worker agent: a bounded table of local
// tasks, the compile/run slot pipeline, and the periodic report exchange
// with a judicator.
package executor

import (
	"os"
	"sync"

	"github.com/tribunal/tribunal/model"
)

// localTask is one table entry. cancel and done advance independently: a
// finished entry stays in the table until the judicator acknowledges it via
// the delete list, which sets cancel; entries with both flags are swept.
type localTask struct {
	task   *model.Task
	cancel bool
	done   bool
	proc   *os.Process
}

// table guards the local task set under one mutex. Slot goroutines and the
// report loop both go through it.
type table struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*localTask
}

func newTable(capacity int) *table {
	return &table{capacity: capacity, entries: map[string]*localTask{}}
}

// add inserts an assigned task. Duplicates are refused so a judicator
// re-assigning an id the executor already holds cannot fork two slots.
func (tb *table) add(t *model.Task) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, exists := tb.entries[t.ID]; exists {
		return false
	}
	tb.entries[t.ID] = &localTask{task: t}
	return true
}

// snapshot builds one report's view: finished tasks, briefs of tasks still
// in flight, and the number of free slots.
func (tb *table) snapshot() (complete []model.Task, executing []model.TaskBrief, vacant int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	busy := 0
	for _, e := range tb.entries {
		// cancelled entries are nobody's business anymore; they wait for
		// the sweep
		if e.cancel {
			continue
		}
		if e.done {
			complete = append(complete, *e.task)
			continue
		}
		busy++
		executing = append(executing, e.task.Brief())
	}
	vacant = tb.capacity - busy
	if vacant < 0 {
		vacant = 0
	}
	return complete, executing, vacant
}

// markCancel flags an entry for removal and kills its process if one is
// running. Unknown ids are ignored.
func (tb *table) markCancel(id string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	e, ok := tb.entries[id]
	if !ok {
		return
	}
	e.cancel = true
	if e.proc != nil {
		_ = e.proc.Kill()
	}
}

// sweep drops every entry whose slot has finished and whose removal the
// judicator has acknowledged.
func (tb *table) sweep() []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	var removed []string
	for id, e := range tb.entries {
		if e.done && e.cancel {
			delete(tb.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// cancelled reports whether the entry was flagged; slots poll this at every
// stage boundary.
func (tb *table) cancelled(id string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	e, ok := tb.entries[id]
	if !ok {
		return true
	}
	return e.cancel
}

// setStatus records stage progress for the executing briefs.
func (tb *table) setStatus(id string, status model.Status) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if e, ok := tb.entries[id]; ok {
		e.task.Status = status
	}
}

// setProc publishes the running process so a cancel can kill it. Passing nil
// clears it once the process has been reaped.
func (tb *table) setProc(id string, proc *os.Process) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if e, ok := tb.entries[id]; ok {
		e.proc = proc
	}
}

// finish commits the slot outcome. A cancelled entry keeps its flags so the
// sweep can reap it, but the result is dropped; there is nobody to report
// it to.
func (tb *table) finish(id string, status model.Status, result *model.Result) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	e, ok := tb.entries[id]
	if !ok {
		return
	}
	e.proc = nil
	e.done = true
	if e.cancel {
		return
	}
	e.task.Status = status
	e.task.Done = true
	e.task.Result = result
}
