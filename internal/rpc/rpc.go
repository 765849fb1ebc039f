// Package rpc defines the binary protocol spoken between gateway, judicator
// and executor: message structs, return codes and the explicit Judicator
// method set. Encoding is msgpack; the transport frames and routes messages.
package rpc

import (
	"context"
	"time"

	"github.com/tribunal/tribunal/model"
)

// Code is the protocol-level return code. Task failures travel as data on
// the task record, never as a non-OK code.
type Code int32

const (
	CodeOK Code = iota
	CodeError
	CodeInvalidInput
	CodeNotExist
	CodeTooLarge
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeError:
		return "error"
	case CodeInvalidInput:
		return "invalid_input"
	case CodeNotExist:
		return "not_exist"
	case CodeTooLarge:
		return "too_large"
	}
	return "invalid"
}

// Method names double as transport subject suffixes.
const (
	MethodPing      = "ping"
	MethodAdd       = "add"
	MethodCancel    = "cancel"
	MethodSearch    = "search"
	MethodGet       = "get"
	MethodReport    = "report"
	MethodExecutors = "executors"
)

// Methods lists every RPC method a judicator serves.
var Methods = []string{
	MethodPing, MethodAdd, MethodCancel, MethodSearch, MethodGet, MethodReport, MethodExecutors,
}

func Subject(prefix, method string) string {
	return prefix + "." + method
}

type PingResponse struct {
	Code Code `msgpack:"code" json:"code"`
}

type AddRequest struct {
	Task model.Task `msgpack:"task" json:"task"`
}

type AddResponse struct {
	Code Code   `msgpack:"code" json:"code"`
	ID   string `msgpack:"id" json:"id"`
}

type CancelRequest struct {
	ID string `msgpack:"id" json:"id"`
}

type CancelResponse struct {
	Code Code `msgpack:"code" json:"code"`
}

// SearchRequest carries optional exact-match and range filters. Nil/zero
// fields are ignored. Limit of 0 means unbounded, collapsing page_count to 1.
type SearchRequest struct {
	ID        string     `msgpack:"id" json:"id,omitempty"`
	User      *int       `msgpack:"user" json:"user,omitempty"`
	StartTime *time.Time `msgpack:"start_time" json:"startTime,omitempty"`
	EndTime   *time.Time `msgpack:"end_time" json:"endTime,omitempty"`
	OldToNew  bool       `msgpack:"old_to_new" json:"oldToNew"`
	Limit     int        `msgpack:"limit" json:"limit"`
	Page      int        `msgpack:"page" json:"page"`
}

type SearchResponse struct {
	Code      Code              `msgpack:"code" json:"code"`
	PageCount int               `msgpack:"page_count" json:"pageCount"`
	Tasks     []model.TaskBrief `msgpack:"tasks" json:"tasks"`
}

type GetRequest struct {
	ID string `msgpack:"id" json:"id"`
}

type GetResponse struct {
	Code Code        `msgpack:"code" json:"code"`
	Task *model.Task `msgpack:"task" json:"task,omitempty"`
}

// ReportRequest is the executor's periodic state dump: finished tasks with
// results, still-running tasks, and how many free slots it offers.
type ReportRequest struct {
	Executor  string            `msgpack:"executor" json:"executor"`
	Complete  []model.Task      `msgpack:"complete" json:"complete,omitempty"`
	Executing []model.TaskBrief `msgpack:"executing" json:"executing,omitempty"`
	Vacant    int               `msgpack:"vacant" json:"vacant"`
}

// ReportResponse tells the executor which local tasks to drop (killing them
// first when still running) and which fresh tasks it now owns.
type ReportResponse struct {
	Code   Code              `msgpack:"code" json:"code"`
	Delete []model.TaskBrief `msgpack:"delete" json:"delete,omitempty"`
	Assign []model.Task      `msgpack:"assign" json:"assign,omitempty"`
}

type ExecutorsResponse struct {
	Code      Code                 `msgpack:"code" json:"code"`
	Executors []model.ExecutorInfo `msgpack:"executors" json:"executors"`
}

// Judicator is the full judicator method set. Implemented by the service on
// the server side and by the transport client on the caller side.
type Judicator interface {
	Ping(ctx context.Context) (*PingResponse, error)
	Add(ctx context.Context, req *AddRequest) (*AddResponse, error)
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)
	Report(ctx context.Context, req *ReportRequest) (*ReportResponse, error)
	Executors(ctx context.Context) (*ExecutorsResponse, error)
}
