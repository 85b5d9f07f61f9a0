package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/emotionlistener/emotion-listener/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

type captured struct {
	userID    string
	sessionID string
}

func serve(t *testing.T, repo store.Repository, req *http.Request) (*httptest.ResponseRecorder, captured) {
	t.Helper()
	var got captured
	h := Middleware(repo, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got.userID = UserIDFromContext(r.Context())
		got.sessionID = SessionIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got
}

func TestMiddlewareIssuesCookieAndPersistsUser(t *testing.T) {
	repo := newRepo(t)

	rec, got := serve(t, repo, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, `^anon_[a-f0-9]{32}$`, got.userID)
	assert.Equal(t, DefaultSessionIDValue, got.sessionID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, got.userID, cookies[0].Value)

	user, err := repo.GetUser(context.Background(), got.userID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, Username(got.userID), user.Username)
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	repo := newRepo(t)
	id := "anon_0123456789abcdef0123456789abcdef"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	_, got := serve(t, repo, req)
	assert.Equal(t, id, got.userID)
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	repo := newRepo(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})
	_, got := serve(t, repo, req)
	assert.NotEqual(t, "admin", got.userID)
	assert.Regexp(t, `^anon_`, got.userID)
}

func TestSessionIDResolution(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "tab-1", want: "tab-1"},
		{name: "query", query: "tab-2", want: "tab-2"},
		{name: "header wins", header: "tab-h", query: "tab-q", want: "tab-h"},
		{name: "invalid falls back", header: "bad id/with slash", want: DefaultSessionIDValue},
		{name: "missing", want: DefaultSessionIDValue},
	}

	repo := newRepo(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/"
			if tt.query != "" {
				target += "?" + SessionQueryParam + "=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(SessionHeaderName, tt.header)
			}
			_, got := serve(t, repo, req)
			assert.Equal(t, tt.want, got.sessionID)
		})
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, UserIDFromContext(ctx))
	assert.Equal(t, DefaultSessionIDValue, SessionIDFromContext(ctx))

	ctx = WithIdentity(ctx, "anon_x", "tab-9")
	assert.Equal(t, "anon_x", UserIDFromContext(ctx))
	assert.Equal(t, "tab-9", SessionIDFromContext(ctx))
}
