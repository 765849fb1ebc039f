package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tribunal/tribunal/model"
)

func TestTableAddRefusesDuplicates(t *testing.T) {
	t.Parallel()
	tb := newTable(4)

	require.True(t, tb.add(&model.Task{ID: "a"}))
	require.False(t, tb.add(&model.Task{ID: "a"}))
	require.True(t, tb.add(&model.Task{ID: "b"}))
}

func TestTableSnapshot(t *testing.T) {
	t.Parallel()
	tb := newTable(3)

	tb.add(&model.Task{ID: "running", Status: model.StatusRunning})
	tb.add(&model.Task{ID: "finished"})
	tb.finish("finished", model.StatusSuccess, &model.Result{})

	complete, executing, vacant := tb.snapshot()
	require.Len(t, complete, 1)
	require.Equal(t, "finished", complete[0].ID)
	require.Len(t, executing, 1)
	require.Equal(t, "running", executing[0].ID)
	require.Equal(t, model.StatusRunning, executing[0].Status)
	require.Equal(t, 2, vacant)
}

func TestTableVacantNeverNegative(t *testing.T) {
	t.Parallel()
	tb := newTable(1)

	tb.add(&model.Task{ID: "a"})
	tb.add(&model.Task{ID: "b"})

	_, _, vacant := tb.snapshot()
	require.Equal(t, 0, vacant)
}

func TestTableSweepNeedsBothFlags(t *testing.T) {
	t.Parallel()
	tb := newTable(4)

	tb.add(&model.Task{ID: "done-only"})
	tb.finish("done-only", model.StatusSuccess, &model.Result{})

	tb.add(&model.Task{ID: "cancel-only"})
	tb.markCancel("cancel-only")

	tb.add(&model.Task{ID: "both"})
	tb.markCancel("both")
	tb.finish("both", model.StatusSuccess, &model.Result{})

	removed := tb.sweep()
	require.Equal(t, []string{"both"}, removed)

	// done-only still reports complete; cancel-only is invisible until
	// its slot finishes and the sweep reaps it
	complete, executing, _ := tb.snapshot()
	require.Len(t, complete, 1)
	require.Equal(t, "done-only", complete[0].ID)
	require.Empty(t, executing)
}

func TestTableCancelDropsResult(t *testing.T) {
	t.Parallel()
	tb := newTable(4)

	task := &model.Task{ID: "a", Status: model.StatusRunning}
	tb.add(task)
	tb.markCancel("a")
	tb.finish("a", model.StatusSuccess, &model.Result{ExecuteOutput: []byte("x")})

	require.False(t, task.Done)
	require.Nil(t, task.Result)

	complete, _, _ := tb.snapshot()
	require.Empty(t, complete)
}

func TestTableCancelledUnknownID(t *testing.T) {
	t.Parallel()
	tb := newTable(4)
	require.True(t, tb.cancelled("ghost"))
}
