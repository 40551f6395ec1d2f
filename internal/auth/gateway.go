package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Gateway-verified identity middleware. Authentication itself happens at
// the edge proxy; the backend trusts the identity headers the gateway
// stamps after validating the caller's token, and refuses requests that
// skipped gateway verification. This keeps token parsing out of the
// analysis service while still preventing workspace spoofing.

type contextKey string

const (
	WorkspaceIDKey contextKey = "workspace_id"
	UserIDKey      contextKey = "user_id"
	ScopesKey      contextKey = "scopes"
)

// Scopes understood by the serving layer.
const (
	ScopeCompare = "scenario:compare"
	ScopeTag     = "scenario:tag"
)

// Config holds gateway-auth middleware configuration.
type Config struct {
	Enabled         bool
	RequireVerified bool   // require the verified marker header
	WorkspaceHeader string // default "X-Workspace-ID"
	UserHeader      string // default "X-User-ID"
	ScopesHeader    string // default "X-Scopes"
	VerifiedHeader  string // default "X-Auth-Verified"
	BypassPaths     []string
}

// DefaultConfig returns production defaults. Health and metrics stay
// reachable without identity so probes and scrapers keep working.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RequireVerified: true,
		WorkspaceHeader: "X-Workspace-ID",
		UserHeader:      "X-User-ID",
		ScopesHeader:    "X-Scopes",
		VerifiedHeader:  "X-Auth-Verified",
		BypassPaths:     []string{"/health", "/metrics"},
	}
}

// Middleware validates gateway identity headers and binds workspace,
// user and scopes into the request context.
func Middleware(config *Config) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			for _, path := range config.BypassPaths {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}

			if config.RequireVerified && r.Header.Get(config.VerifiedHeader) != "true" {
				sendError(w, http.StatusUnauthorized, "request did not pass gateway verification")
				return
			}

			workspaceID := r.Header.Get(config.WorkspaceHeader)
			if workspaceID == "" {
				sendError(w, http.StatusUnauthorized, "missing workspace identity")
				return
			}

			ctx := context.WithValue(r.Context(), WorkspaceIDKey, workspaceID)
			if userID := r.Header.Get(config.UserHeader); userID != "" {
				ctx = context.WithValue(ctx, UserIDKey, userID)
			}
			if scopes := parseScopes(r.Header.Get(config.ScopesHeader)); len(scopes) > 0 {
				ctx = context.WithValue(ctx, ScopesKey, scopes)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseScopes accepts a JSON array or a comma-separated list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		scopes = strings.Split(raw, ",")
		for i := range scopes {
			scopes[i] = strings.TrimSpace(scopes[i])
		}
	}
	return scopes
}

// WorkspaceID extracts the workspace identity from a request context.
func WorkspaceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(WorkspaceIDKey).(string)
	return id, ok
}

// UserID extracts the user identity from a request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok
}

// HasScope reports whether the request carries the named scope. With no
// scopes header at all every scope is allowed; an explicit scope list
// is enforced as written.
func HasScope(ctx context.Context, required string) bool {
	scopes, ok := ctx.Value(ScopesKey).([]string)
	if !ok {
		return true
	}
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
