//go:build integration
// +build integration

package natsrpc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/tribunal/tribunal/model"
)

// echoJudicator answers every method with canned data so the test can
// verify the wire round trip.
type echoJudicator struct{}

func (echoJudicator) Ping(ctx context.Context) (*rpc.PingResponse, error) {
	return &rpc.PingResponse{Code: rpc.CodeOK}, nil
}

func (echoJudicator) Add(ctx context.Context, req *rpc.AddRequest) (*rpc.AddResponse, error) {
	return &rpc.AddResponse{Code: rpc.CodeOK, ID: "0123456789abcdef0123456789abcdef"}, nil
}

func (echoJudicator) Cancel(ctx context.Context, req *rpc.CancelRequest) (*rpc.CancelResponse, error) {
	return &rpc.CancelResponse{Code: rpc.CodeNotExist}, nil
}

func (echoJudicator) Search(ctx context.Context, req *rpc.SearchRequest) (*rpc.SearchResponse, error) {
	return &rpc.SearchResponse{Code: rpc.CodeOK, PageCount: 3, Tasks: []model.TaskBrief{{ID: req.ID}}}, nil
}

func (echoJudicator) Get(ctx context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	return &rpc.GetResponse{Code: rpc.CodeOK, Task: &model.Task{ID: req.ID, Done: true, Status: model.StatusSuccess}}, nil
}

func (echoJudicator) Report(ctx context.Context, req *rpc.ReportRequest) (*rpc.ReportResponse, error) {
	var deletes []model.TaskBrief
	for _, t := range req.Complete {
		deletes = append(deletes, t.Brief())
	}
	return &rpc.ReportResponse{Code: rpc.CodeOK, Delete: deletes}, nil
}

func (echoJudicator) Executors(ctx context.Context) (*rpc.ExecutorsResponse, error) {
	return &rpc.ExecutorsResponse{Code: rpc.CodeOK, Executors: []model.ExecutorInfo{{Hostname: "e1", ReportTime: time.Now()}}}, nil
}

func TestClientServerRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	prefix := "tribunal.rpc.test"
	server := NewServer(nc, prefix, echoJudicator{}, 5*time.Second, zerolog.Nop())
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	client := NewClient(nc, prefix, 5*time.Second)
	ctx := context.Background()

	ping, err := client.Ping(ctx)
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, ping.Code)

	add, err := client.Add(ctx, &rpc.AddRequest{Task: model.Task{User: 1}})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeOK, add.Code)
	require.NotEmpty(t, add.ID)

	cancelResp, err := client.Cancel(ctx, &rpc.CancelRequest{ID: add.ID})
	require.NoError(t, err)
	require.Equal(t, rpc.CodeNotExist, cancelResp.Code)

	search, err := client.Search(ctx, &rpc.SearchRequest{ID: add.ID})
	require.NoError(t, err)
	require.Equal(t, 3, search.PageCount)
	require.Len(t, search.Tasks, 1)

	get, err := client.Get(ctx, &rpc.GetRequest{ID: add.ID})
	require.NoError(t, err)
	require.True(t, get.Task.Done)
	require.Equal(t, model.StatusSuccess, get.Task.Status)

	report, err := client.Report(ctx, &rpc.ReportRequest{
		Executor: "e1",
		Complete: []model.Task{{ID: add.ID, Done: true, Status: model.StatusSuccess}},
		Vacant:   2,
	})
	require.NoError(t, err)
	require.Len(t, report.Delete, 1)
	require.Equal(t, add.ID, report.Delete[0].ID)

	execs, err := client.Executors(ctx)
	require.NoError(t, err)
	require.Len(t, execs.Executors, 1)
}

func TestCallTimeoutWithoutServer(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	client := NewClient(nc, "tribunal.rpc.nobody", 500*time.Millisecond)
	_, err = client.Ping(context.Background())
	require.Error(t, err)
}
