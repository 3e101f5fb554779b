package server

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/decay"
	"github.com/ContextVM/relatr-sub002/internal/graph"
	"github.com/ContextVM/relatr-sub002/internal/pubkey"
	"github.com/ContextVM/relatr-sub002/internal/ratelimit"
	"github.com/ContextVM/relatr-sub002/internal/scorer"
	"github.com/ContextVM/relatr-sub002/internal/trust"
	"github.com/ContextVM/relatr-sub002/internal/weights"
)

// Stable error codes carried to clients inside a CallToolResult. Anything
// that does not map here is an internal error and surfaces at the protocol
// level instead.
const (
	codeInvalidInput    = "invalid_input"
	codeWeightInvariant = "weight_invariant_violation"
	codeProfileNotFound = "profile_not_found"
	codeGraphNotReady   = "graph_not_initialized"
	codeGraphIO         = "graph_io"
	codeCacheIO         = "cache_io"
	codeRateLimited     = "rate_limit_exceeded"
	codeTimeout         = "timeout"
)

// errBadRequest marks tool-level input problems that have no domain sentinel
// of their own, such as an unknown manage action.
var errBadRequest = errors.New("bad request")

func errorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return codeRateLimited, true
	case errors.Is(err, pubkey.ErrInvalid),
		errors.Is(err, scorer.ErrInvalidRequest),
		errors.Is(err, trust.ErrInvalidInput),
		errors.Is(err, decay.ErrInvalidDistance),
		errors.Is(err, errBadRequest):
		return codeInvalidInput, true
	case errors.Is(err, weights.ErrWeightSum), errors.Is(err, weights.ErrNegativeWeight):
		return codeWeightInvariant, true
	case errors.Is(err, weights.ErrProfileNotFound):
		return codeProfileNotFound, true
	case errors.Is(err, graph.ErrNotInitialized):
		return codeGraphNotReady, true
	case errors.Is(err, graph.ErrIO):
		return codeGraphIO, true
	case errors.Is(err, datastore.ErrIO):
		return codeCacheIO, true
	case errors.Is(err, context.DeadlineExceeded):
		return codeTimeout, true
	default:
		return "", false
	}
}

// errorResult wraps a client-attributable failure in a structured tool reply.
// Callers must only pass errors that errorCode recognizes.
func errorResult(code string, err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: code + ": " + err.Error()}},
	}
}
