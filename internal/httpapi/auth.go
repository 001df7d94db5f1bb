package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	WorkspaceID string
	Subject     string
	Name        string
	Email       string
	Scopes      map[string]struct{}
	Expiration  time.Time
}

func (c tokenClaims) hasScope(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// authorizeBearer validates an HS256 token and checks that it was issued for
// workspaceID (when non-empty) and carries requiredScope.
func authorizeBearer(authHeader, jwtSecret, audience, workspaceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, audience, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "workspace mismatch",
		}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret, audience string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}

	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256(), []byte(jwtSecret)),
		jwt.WithValidate(true),
		jwt.WithAudience(audience),
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	)
	if err != nil {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token: " + err.Error()}
	}

	subject, ok := token.Subject()
	if !ok || strings.TrimSpace(subject) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	expiration, ok := token.Expiration()
	if !ok {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing exp claim"}
	}
	var workspaceID string
	if err := token.Get("workspace_id", &workspaceID); err != nil || strings.TrimSpace(workspaceID) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing workspace_id claim"}
	}
	var rawScopes any
	_ = token.Get("scopes", &rawScopes)
	scopes := parseScopes(rawScopes)
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}

	var name, email string
	_ = token.Get("name", &name)
	_ = token.Get("email", &email)

	return tokenClaims{
		WorkspaceID: workspaceID,
		Subject:     subject,
		Name:        name,
		Email:       email,
		Scopes:      scopes,
		Expiration:  expiration,
	}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// bearerFromRequest prefers the Authorization header and falls back to the
// access_token query parameter, which browsers need for websocket upgrades.
func bearerFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}
