package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/chat_layer/internal/clock"
)

// TouchFunction is the stored procedure invoked by RPCBackend.
const TouchFunction = "ratelimit_touch"

// RPCCaller invokes a named remote procedure and returns its raw JSON reply.
type RPCCaller interface {
	RPC(ctx context.Context, fn string, params interface{}) ([]byte, error)
}

// RPCBackend delegates the decision to ratelimit_touch on the data service.
type RPCBackend struct {
	caller RPCCaller
	clock  clock.Clock
}

var _ Backend = (*RPCBackend)(nil)

// NewRPCBackend creates a backend over caller.
func NewRPCBackend(caller RPCCaller, c clock.Clock) *RPCBackend {
	if c == nil {
		c = clock.Real{}
	}
	return &RPCBackend{caller: caller, clock: c}
}

func (b *RPCBackend) Name() string { return "rpc" }

// Touch implements Backend. A reply missing allowed or remaining is an error.
func (b *RPCBackend) Touch(ctx context.Context, req Request) (Result, error) {
	now := b.clock.Now()
	params := map[string]interface{}{
		"p_bucket":    req.Bucket,
		"p_key":       req.Subject,
		"p_window_ms": req.Window.Milliseconds(),
		"p_limit":     req.Limit,
		"p_now":       float64(now.UnixMilli()) / 1000,
	}

	body, err := b.caller.RPC(ctx, TouchFunction, params)
	if err != nil {
		return Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return Result{}, fmt.Errorf("%s: invalid json reply", TouchFunction)
	}

	reply := gjson.ParseBytes(body)
	if reply.IsArray() {
		reply = reply.Get("0")
	}
	allowed := reply.Get("allowed")
	remaining := reply.Get("remaining")
	if !isBool(allowed) || remaining.Type != gjson.Number {
		return Result{}, fmt.Errorf("%s: unexpected reply %s", TouchFunction, reply.Raw)
	}

	res := Result{Allowed: allowed.Bool(), Remaining: int(remaining.Int())}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if res.Allowed {
		res.ResetAt = now.Add(req.Window)
		return res, nil
	}
	res.Remaining = 0
	res.ResetAt = now.Add(time.Duration(reply.Get("retry_after_ms").Int()) * time.Millisecond)
	return res, nil
}

func isBool(r gjson.Result) bool {
	return r.Type == gjson.True || r.Type == gjson.False
}
