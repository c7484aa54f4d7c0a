package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"housecup.org/internal/auth"
)

const (
	authHeader     = "Authorization"
	bearer         = "Bearer "
	devMemberIDHdr = "X-Member-ID"
)

var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// withAuth resolves the acting member for every non-public request.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if a.tokens == nil {
			id := strings.TrimSpace(r.Header.Get(devMemberIDHdr))
			if id == "" {
				writeError(w, r, http.StatusUnauthorized, "missing "+devMemberIDHdr+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithMember(r.Context(), id)))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.tokens.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithMember(r.Context(), claims.Subject)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorID is the authenticated member making the request.
func actorID(r *http.Request) string {
	id, _ := auth.MemberIDFromContext(r.Context())
	return id
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
