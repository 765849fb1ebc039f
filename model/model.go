package model

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Status is the position of a task in its lifecycle.
type Status int

const (
	StatusPending Status = iota
	StatusCompiling
	StatusCompileFailed
	StatusRunning
	StatusRunFailed
	StatusSuccess
	StatusRetrying
	StatusCancelled
	StatusUnknownError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompiling:
		return "compiling"
	case StatusCompileFailed:
		return "compile_failed"
	case StatusRunning:
		return "running"
	case StatusRunFailed:
		return "run_failed"
	case StatusSuccess:
		return "success"
	case StatusRetrying:
		return "retrying"
	case StatusCancelled:
		return "cancelled"
	case StatusUnknownError:
		return "unknown_error"
	}
	return "invalid"
}

// Terminal reports whether a task in this status has finished for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompileFailed, StatusRunFailed, StatusSuccess, StatusCancelled, StatusUnknownError:
		return true
	}
	return false
}

// MaxRecordSize is the ceiling for an encoded task record: 16 MiB minus
// framing headroom. Records that would exceed it get their output replaced
// with a truncation marker instead.
const MaxRecordSize = 16252928

// Compile describes the build half of a task. Source is a raw zip archive,
// Command is zlib-compressed script text.
type Compile struct {
	Source  []byte `msgpack:"source" json:"source,omitempty"`
	Command []byte `msgpack:"command" json:"command,omitempty"`
	Timeout int    `msgpack:"timeout" json:"timeout"`
}

// Execute describes the run half of a task. Data is a raw zip archive;
// Input, Command and Standard are zlib-compressed.
type Execute struct {
	Input    []byte `msgpack:"input" json:"input,omitempty"`
	Data     []byte `msgpack:"data" json:"data,omitempty"`
	Command  []byte `msgpack:"command" json:"command,omitempty"`
	Timeout  int    `msgpack:"timeout" json:"timeout"`
	Standard []byte `msgpack:"standard" json:"standard,omitempty"`
}

// Result holds the collected output of compilation and execution, all
// zlib-compressed. Present on a task only once something has actually run.
type Result struct {
	CompileOutput []byte `msgpack:"compile_output" json:"compileOutput,omitempty"`
	CompileError  []byte `msgpack:"compile_error" json:"compileError,omitempty"`
	ExecuteOutput []byte `msgpack:"execute_output" json:"executeOutput,omitempty"`
	ExecuteError  []byte `msgpack:"execute_error" json:"executeError,omitempty"`
}

// Task is the unit of work moving between gateway, judicator and executor.
//
// ID is assigned by the document store on insert and immutable afterwards.
// Executor is the name of the owning executor, empty when unowned. ReportTime
// is refreshed by whoever currently owns the record; staleness beyond the
// configured expiration is the sole signal used to reclaim ownership.
type Task struct {
	ID         string    `msgpack:"id" json:"id"`
	User       int       `msgpack:"user" json:"user"`
	Compile    *Compile  `msgpack:"compile" json:"compile,omitempty"`
	Execute    *Execute  `msgpack:"execute" json:"execute,omitempty"`
	AddTime    time.Time `msgpack:"add_time" json:"addTime"`
	Done       bool      `msgpack:"done" json:"done"`
	Status     Status    `msgpack:"status" json:"status"`
	Executor   string    `msgpack:"executor" json:"executor,omitempty"`
	ReportTime time.Time `msgpack:"report_time" json:"reportTime"`
	Result     *Result   `msgpack:"result" json:"result,omitempty"`
}

// TaskBrief is the payload-free view of a task used by search results and
// the report protocol's executing/delete lists.
type TaskBrief struct {
	ID         string    `msgpack:"id" json:"id"`
	User       int       `msgpack:"user" json:"user"`
	Done       bool      `msgpack:"done" json:"done"`
	Status     Status    `msgpack:"status" json:"status"`
	Executor   string    `msgpack:"executor" json:"executor,omitempty"`
	AddTime    time.Time `msgpack:"add_time" json:"addTime"`
	ReportTime time.Time `msgpack:"report_time" json:"reportTime"`
}

// ExecutorInfo is the ephemeral liveness record of a worker.
type ExecutorInfo struct {
	Hostname   string    `msgpack:"hostname" json:"hostname"`
	ReportTime time.Time `msgpack:"report_time" json:"reportTime"`
}

// Brief strips the payload fields off a task.
func (t *Task) Brief() TaskBrief {
	return TaskBrief{
		ID:         t.ID,
		User:       t.User,
		Done:       t.Done,
		Status:     t.Status,
		Executor:   t.Executor,
		AddTime:    t.AddTime,
		ReportTime: t.ReportTime,
	}
}

// EncodedSize returns the serialized size of the task record.
func (t *Task) EncodedSize() (int, error) {
	b, err := msgpack.Marshal(t)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Oversized reports whether the encoded record breaks the size ceiling.
// An encoding failure counts as oversized: the record cannot be persisted either way.
func (t *Task) Oversized() bool {
	n, err := t.EncodedSize()
	if err != nil {
		return true
	}
	return n >= MaxRecordSize
}
