package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ContextVM/relatr-sub002/internal/mcp/server/metrics"
	"github.com/ContextVM/relatr-sub002/internal/ratelimit"
)

// registerTool wires a typed handler into the MCP server behind the shared
// tool plumbing: the rate limiter gate, call metrics, and error mapping.
// Client-attributable failures come back as structured tool errors; anything
// else propagates as a protocol-level error.
func registerTool[In, Out any](s *Server, name, description string, handle func(context.Context, In) (Out, error)) error {
	req, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s input schema: %w", name, err)
	}

	res, err := jsonschema.For[Out](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s output schema: %w", name, err)
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		var zero Out

		if !s.cfg.Limiter.Acquire() {
			metrics.RateLimitedTotal.WithLabelValues(name).Inc()
			metrics.ToolCallsTotal.WithLabelValues(name, "rate_limited").Inc()
			return errorResult(codeRateLimited, ratelimit.ErrRateLimited), zero, nil
		}

		startTime := time.Now()
		out, err := handle(ctx, in)
		duration := time.Since(startTime).Seconds()
		metrics.ToolCallDuration.WithLabelValues(name).Observe(duration)

		if err != nil {
			s.log.Debug("mcp/tool: call failed", "tool", name, "error", err)
			if code, ok := errorCode(err); ok {
				metrics.ToolCallsTotal.WithLabelValues(name, "client_error").Inc()
				return errorResult(code, err), zero, nil
			}
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			return nil, zero, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return nil, out, nil
	})
	return nil
}
