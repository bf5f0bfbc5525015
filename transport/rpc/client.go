package rpc

import (
	"context"
	"fmt"
	"net/rpc"
	"time"

	"rowhammer/transport"
)

// Client drives a remote board. It implements transport.Client.
type Client struct {
	client  *rpc.Client
	timeout time.Duration
}

// DefaultTimeout bounds calls whose context has no deadline.
const DefaultTimeout = 10 * time.Second

// NewClient connects to the board served at addr, retrying a few times
// while the server starts up.
func NewClient(addr string) (*Client, error) {
	var (
		client *rpc.Client
		err    error
	)
	const maxretries = 5
	for i := range maxretries {
		if client, err = rpc.DialHTTP("tcp", addr); err == nil {
			break
		}
		modRPC.WarnZ("dial tcp failed").Error("err", err).Int("retry", i).End()
		time.Sleep(250 * time.Millisecond)
	}
	if client == nil {
		return nil, transport.Wrap("dial", fmt.Errorf("max retries: %w", err))
	}

	c := &Client{client: client, timeout: DefaultTimeout}
	if err := c.call(context.Background(), "IsReady", &Ack{}, &Ack{}); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// SetTimeout changes the deadline applied to calls without one.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Close() error {
	modRPC.DebugZ("closing rpc client").End()
	return c.client.Close()
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	call := c.client.Go(serviceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return transport.Wrap(method, call.Error)
	case <-ctx.Done():
		// the reply is dropped when it eventually comes in
		return transport.Wrap(method, ctx.Err())
	}
}

func (c *Client) ReadRegister(ctx context.Context, name string) (uint32, error) {
	var v uint32
	err := c.call(ctx, "ReadRegister", &RegArgs{Name: name}, &v)
	return v, err
}

func (c *Client) WriteRegister(ctx context.Context, name string, val uint32) error {
	return c.call(ctx, "WriteRegister", &RegArgs{Name: name, Value: val}, &Ack{})
}

func (c *Client) BulkWrite(ctx context.Context, base uint64, words []uint32) error {
	return c.call(ctx, "BulkWrite", &BulkWriteArgs{Base: base, Words: words}, &Ack{})
}

func (c *Client) BulkReadCompare(ctx context.Context, base, length uint64, pattern []uint32) ([]transport.Mismatch, error) {
	var reply CompareReply
	err := c.call(ctx, "BulkReadCompare", &CompareArgs{Base: base, Length: length, Pattern: pattern}, &reply)
	return reply.Mismatches, err
}
