// Package auth implements the ingress-parse and auth-extract stages of the
// pipeline orchestrator (spec §4.9, §6): pulling the virtual bearer token
// and the agent-facing headers off an incoming *http.Request before token
// resolution (pkg/cache) ever runs.
package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// TokenPrefix is the required prefix of every agent-facing virtual token,
// per spec §3: "ailink_v1_proj_<project>_tok_<suffix>".
const TokenPrefix = "ailink_v1_proj_"

// Identity is everything the auth-extract stage recovers from request
// headers before the token is resolved to a bundle. It never contains a
// real credential — only the opaque virtual token string.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Identity struct {
	VirtualToken   string
	AgentName      string
	SessionID      string
	IdempotencyKey string
	NoCache        bool
	BYOKSecret     string // X-AILink-Upstream-Key, used only if the resolved bundle has no credential
	MCPServers     []string
}

// ErrMissingBearer is returned when the Authorization header is absent or
// not a Bearer token.
var ErrMissingBearer = fmt.Errorf("auth: missing bearer token")

// ErrMalformedToken is returned when the bearer token does not match the
// virtual token wire format.
var ErrMalformedToken = fmt.Errorf("auth: malformed virtual token")

// Extract implements the ingress-parse + auth-extract stages: it reads the
// Authorization header and the agent-facing headers from r. It does not
// touch the network or any store — pure header parsing only.
func Extract(r *http.Request) (*Identity, error) {
	authz := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authz, bearerPrefix) {
		return nil, ErrMissingBearer
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, bearerPrefix))
	if token == "" {
		return nil, ErrMissingBearer
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		return nil, ErrMalformedToken
	}

	id := &Identity{
		VirtualToken:   token,
		AgentName:      r.Header.Get("X-Agent-Name"),
		SessionID:      r.Header.Get("X-Session-Id"),
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		NoCache:        strings.EqualFold(r.Header.Get("X-AILink-No-Cache"), "true"),
		BYOKSecret:     r.Header.Get("X-AILink-Upstream-Key"),
	}
	if raw := r.Header.Get("X-MCP-Servers"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				id.MCPServers = append(id.MCPServers, s)
			}
		}
	}

	return id, nil
}

// ProjectID extracts the "<project>" segment out of a well-formed virtual
// token; used for routing/sharding decisions that don't require a full
// bundle resolution.
func ProjectID(virtualToken string) (string, bool) {
	rest := strings.TrimPrefix(virtualToken, TokenPrefix)
	if rest == virtualToken {
		return "", false
	}
	idx := strings.Index(rest, "_tok_")
	if idx < 0 {
		return "", false
	}
	return rest[:idx], true
}
