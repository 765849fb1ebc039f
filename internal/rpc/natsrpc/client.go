package natsrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/vmihailenco/msgpack/v5"
)

// Client implements rpc.Judicator against one judicator's subject prefix.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewClient(nc *nats.Conn, prefix string, timeout time.Duration) *Client {
	return &Client{nc: nc, prefix: prefix, timeout: timeout}
}

func call[Req any, Resp any](c *Client, ctx context.Context, method string, req *Req, resp *Resp) error {
	var data []byte
	if req != nil {
		var err error
		data, err = msgpack.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", method, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, rpc.Subject(c.prefix, method), data)
	if err != nil {
		return fmt.Errorf("%s call to %s failed: %w", method, c.prefix, err)
	}
	if err := msgpack.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) (*rpc.PingResponse, error) {
	var resp rpc.PingResponse
	if err := call[struct{}](c, ctx, rpc.MethodPing, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Add(ctx context.Context, req *rpc.AddRequest) (*rpc.AddResponse, error) {
	var resp rpc.AddResponse
	if err := call(c, ctx, rpc.MethodAdd, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Cancel(ctx context.Context, req *rpc.CancelRequest) (*rpc.CancelResponse, error) {
	var resp rpc.CancelResponse
	if err := call(c, ctx, rpc.MethodCancel, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Search(ctx context.Context, req *rpc.SearchRequest) (*rpc.SearchResponse, error) {
	var resp rpc.SearchResponse
	if err := call(c, ctx, rpc.MethodSearch, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Get(ctx context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	var resp rpc.GetResponse
	if err := call(c, ctx, rpc.MethodGet, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Report(ctx context.Context, req *rpc.ReportRequest) (*rpc.ReportResponse, error) {
	var resp rpc.ReportResponse
	if err := call(c, ctx, rpc.MethodReport, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Executors(ctx context.Context) (*rpc.ExecutorsResponse, error) {
	var resp rpc.ExecutorsResponse
	if err := call[struct{}](c, ctx, rpc.MethodExecutors, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
