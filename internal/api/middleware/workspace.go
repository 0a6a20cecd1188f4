package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// WorkspaceKey is the context key for the workspace slug.
	WorkspaceKey contextKey = "workspace"
	// UserIDKey is the context key for the calling user.
	UserIDKey contextKey = "user_id"
)

// WorkspaceExtractor extracts the workspace and user of the request.
// It checks the X-Workspace-Slug header, then the workspace query
// parameter. The user comes from X-User-Id.
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workspace := strings.TrimSpace(r.Header.Get("X-Workspace-Slug"))
		if workspace == "" {
			workspace = strings.TrimSpace(r.URL.Query().Get("workspace"))
		}

		ctx := r.Context()
		if workspace != "" {
			ctx = context.WithValue(ctx, WorkspaceKey, workspace)
		}
		if user := strings.TrimSpace(r.Header.Get("X-User-Id")); user != "" {
			ctx = context.WithValue(ctx, UserIDKey, user)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWorkspace retrieves the workspace slug from the request context.
func GetWorkspace(ctx context.Context) string {
	if v, ok := ctx.Value(WorkspaceKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID retrieves the calling user from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
