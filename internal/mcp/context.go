package mcp

import (
	"context"
	"net/http"
)

// Headers a calling agent sets to attribute the messages it sends
const (
	HeaderCallerSession   = "X-Kumiai-Session-ID"
	HeaderCallerAgentID   = "X-Kumiai-Agent-ID"
	HeaderCallerAgentName = "X-Kumiai-Agent-Name"
)

type contextKey string

const (
	contextKeyCaller     contextKey = "kumiai-caller"
	contextKeyRemoteAddr contextKey = "kumiai-remote-addr"
)

// Caller identifies the agent on the other side of a request. A zero Caller
// is a human user.
type Caller struct {
	SessionID string
	AgentID   string
	AgentName string
}

// IsAgent reports whether the caller named itself
func (c Caller) IsAgent() bool {
	return c.SessionID != "" || c.AgentID != "" || c.AgentName != ""
}

// CallerFromRequest reads the caller headers of r
func CallerFromRequest(r *http.Request) Caller {
	return Caller{
		SessionID: r.Header.Get(HeaderCallerSession),
		AgentID:   r.Header.Get(HeaderCallerAgentID),
		AgentName: r.Header.Get(HeaderCallerAgentName),
	}
}

// WithCaller stores the caller in ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, c)
}

// CallerFromContext returns the caller stored in ctx
func CallerFromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(contextKeyCaller).(Caller)
	return c
}

// WithRemoteAddr adds the remote address to context
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyRemoteAddr, addr)
}

// GetRemoteAddr extracts the remote address from context
func GetRemoteAddr(ctx context.Context) string {
	if s, ok := ctx.Value(contextKeyRemoteAddr).(string); ok {
		return s
	}
	return ""
}
