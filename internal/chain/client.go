// Package chain reads the on-chain profile registry over EVM JSON-RPC.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// RPCRequest is a JSON-RPC request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a minimal EVM JSON-RPC client.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	nextID     int64
}

// NewClient creates a client. A zero timeout means 10 seconds.
func NewClient(rpcURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call makes an RPC call and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (gjson.Result, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddInt64(&c.nextID, 1),
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return gjson.Result{}, fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%s: invalid json response", method)
	}

	parsed := gjson.ParseBytes(raw)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, &RPCError{Code: e.Get("code").Int(), Message: e.Get("message").String()}
	}
	result := parsed.Get("result")
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("%s: response has no result", method)
	}
	return result, nil
}

// EthCall runs eth_call against the latest block and returns the hex data.
func (c *Client) EthCall(ctx context.Context, to, data string) (string, error) {
	result, err := c.Call(ctx, "eth_call", map[string]string{"to": to, "data": data}, "latest")
	if err != nil {
		return "", err
	}
	return result.String(), nil
}
