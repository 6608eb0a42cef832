package testutil

import (
	"net/http"

	authmw "actnexus/pkg/platform/middleware/auth"
	"actnexus/pkg/requestcontext"
)

// WithActor simulates what the auth middleware stores for an authenticated request.
func WithActor(req *http.Request, actor string, roles ...string) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), actor)
	if len(roles) > 0 {
		ctx = authmw.WithRoles(ctx, roles...)
	}
	return req.WithContext(ctx)
}

// WithBearer sets the Authorization header.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
