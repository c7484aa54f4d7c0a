package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"housecup.org/internal/auth"
)

func echoActor() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(actorID(r)))
	})
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc  ", "abc", true},
		{"", "", false},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("%q: got %q, err %v", tc.header, got, err)
		}
	}
}

func TestWithAuthBearer(t *testing.T) {
	tokens, err := auth.NewTokens("secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	a := &API{tokens: tokens}
	handler := a.withAuth(echoActor())

	token, _, err := tokens.Issue("m7", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/members/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "m7" {
		t.Fatalf("expected m7, got %d %q", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/members/me", nil)
	req.Header.Set(devMemberIDHdr, "m7")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("dev header must be ignored when tokens are configured, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("public path rejected: %d", rr.Code)
	}
}

func TestWithAuthDevHeader(t *testing.T) {
	a := &API{}
	handler := a.withAuth(echoActor())

	req := httptest.NewRequest(http.MethodGet, "/v1/leaderboard", nil)
	req.Header.Set(devMemberIDHdr, " m9 ")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "m9" {
		t.Fatalf("expected m9, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/leaderboard", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", rr.Code)
	}
}
