package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"microtask-settlement/pkg/circuit"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/logging"
)

// JSON-RPC 2.0 methods exposed by the escrow node.
const (
	methodGetTask           = "escrow_getTask"
	methodApproveSubmission = "escrow_approveSubmission"
	methodRejectSubmission  = "escrow_rejectSubmission"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

// RPCClient talks JSON-RPC 2.0 over HTTP to the escrow node. Calls go
// through a circuit breaker so a dead node fails fast instead of tying up
// queue workers on timeouts.
type RPCClient struct {
	url     string
	httpc   *http.Client
	breaker *circuit.Breaker
	log     *logging.ComponentLogger
	nextID  atomic.Uint64
}

var _ Client = (*RPCClient)(nil)

func NewRPCClient(url string, timeout time.Duration, breaker *circuit.Breaker, logger *logging.Logger) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		url:     url,
		httpc:   &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     logger.WithComponent("escrow"),
	}
}

func (c *RPCClient) GetTask(ctx context.Context, taskID int64) (*TaskState, error) {
	var state TaskState
	if err := c.call(ctx, methodGetTask, []any{taskID}, &state); err != nil {
		return nil, err
	}

	// The contract returns a zeroed struct rather than an error for
	// unknown task IDs.
	if state.Requester == "" || state.Requester == ZeroAddress {
		return nil, errs.NewChain("escrow.GetTask",
			fmt.Sprintf("task %d has no on-chain record", taskID), ErrTaskNotFound, true)
	}
	return &state, nil
}

func (c *RPCClient) ApproveSubmission(ctx context.Context, taskID int64, workerAddr string) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, methodApproveSubmission, []any{taskID, workerAddr}, &result); err != nil {
		return "", err
	}
	if result.TxHash == "" {
		return "", errs.NewChain("escrow.ApproveSubmission", "node returned empty tx hash", nil, false)
	}
	return result.TxHash, nil
}

func (c *RPCClient) RejectSubmission(ctx context.Context, taskID int64, workerAddr string) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, methodRejectSubmission, []any{taskID, workerAddr}, &result); err != nil {
		return "", err
	}
	if result.TxHash == "" {
		return "", errs.NewChain("escrow.RejectSubmission", "node returned empty tx hash", nil, false)
	}
	return result.TxHash, nil
}

// call performs one JSON-RPC round trip through the breaker and decodes the
// result into out.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	do := func(ctx context.Context) error {
		return c.doCall(ctx, method, params, out)
	}
	if c.breaker != nil {
		return c.breaker.Do(ctx, do)
	}
	return do(ctx)
}

func (c *RPCClient) doCall(ctx context.Context, method string, params []any, out any) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errs.NewChain("escrow.call", "failed to marshal rpc request", err, true)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return errs.NewChain("escrow.call", "failed to build rpc request", err, true)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errs.NewChain("escrow.call", fmt.Sprintf("%s transport failure", method), err, false)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.NewChain("escrow.call",
			fmt.Sprintf("%s returned HTTP %d", method, resp.StatusCode), nil, false)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.NewChain("escrow.call", "failed to read rpc response", err, false)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return errs.NewChain("escrow.call", "malformed rpc response", err, false)
	}

	if rpcResp.Error != nil {
		permanent := isPermanentRPCError(rpcResp.Error)
		c.log.Warn("escrow rpc error",
			logging.String("method", method),
			logging.Int("code", rpcResp.Error.Code),
			logging.String("message", rpcResp.Error.Message),
			logging.Bool("permanent", permanent))
		return errs.NewChain("escrow.call",
			fmt.Sprintf("%s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code), nil, permanent)
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errs.NewChain("escrow.call", "failed to decode rpc result", err, false)
	}

	c.log.Debug("escrow rpc call",
		logging.String("method", method),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// Permanent RPC failures retrying can never fix: contract reverts and
// malformed requests. Everything else is assumed transient node trouble.
func isPermanentRPCError(e *rpcError) bool {
	switch e.Code {
	case -32600, -32601, -32602: // invalid request, method, params
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "revert") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "already completed") ||
		strings.Contains(msg, "unauthorized")
}
