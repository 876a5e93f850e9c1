package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// rpcClient speaks newline-delimited JSON-RPC 2.0 to the server's operator socket,
// one request per connection.
type rpcClient struct {
	socket  string
	timeout time.Duration
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  map[string]any  `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcFailure     `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

func (f *rpcFailure) Error() string {
	if f.Kind != "" {
		return fmt.Sprintf("rpc error (%d, %s): %s", f.Code, f.Kind, f.Message)
	}
	return fmt.Sprintf("rpc error (%d): %s", f.Code, f.Message)
}

func newRPCClient(socket string) *rpcClient {
	return &rpcClient{socket: socket, timeout: 30 * time.Second}
}

func (c *rpcClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.socket, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(rpcEnvelope{JSONRPC: "2.0", Method: method, Params: params, ID: 1}); err != nil {
		return err
	}

	var resp rpcEnvelope
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}
