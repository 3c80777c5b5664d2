package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"account-portal/internal/auth"
	"account-portal/internal/repository/sqlite"
	"account-portal/internal/service"
)

type testServer struct {
	router   *gin.Engine
	accounts service.AccountService
	tokens   *auth.Issuer
	cookie   *http.Cookie
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.NewAccountRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	logger, _ := test.NewNullLogger()
	hasher, err := service.NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)
	accounts, err := service.NewAccountService(repo, hasher, nil, logger)
	require.NoError(t, err)
	tokens, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	tmpl, err := LoadTemplates()
	require.NoError(t, err)

	router := gin.New()
	router.SetHTMLTemplate(tmpl)
	NewHandler(accounts, tokens, false, logger).RegisterRoutes(router)

	return &testServer{router: router, accounts: accounts, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.Name != sessionCookie {
			continue
		}
		if c.MaxAge < 0 || c.Value == "" {
			s.cookie = nil
		} else {
			s.cookie = c
		}
	}
	return rec
}

func (s *testServer) registerAlice(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/register", url.Values{
		"username": {"alice"},
		"email":    {"alice@example.com"},
		"password": {"correct horse"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/home", rec.Header().Get("Location"))
	require.NotNil(t, s.cookie)
}

func TestPublicPages(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/", "/login", "/register"} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "</html>", path)
	}

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegister_StartsSessionAndShowsDefaults(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)

	rec := s.do(t, http.MethodGet, "/home", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "alice@example.com")
	assert.Contains(t, body, `<option value="dark" selected>`)
	assert.Contains(t, body, `value="true" checked`)
	assert.Contains(t, body, `value="en"`)
	assert.Contains(t, body, "No data stored.")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)
	s.cookie = nil

	rec := s.do(t, http.MethodPost, "/register", url.Values{
		"username": {"mallory"},
		"email":    {"alice@example.com"},
		"password": {"other"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Email already registered")
	assert.Nil(t, s.cookie)
}

func TestRegister_MissingFields(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/register", url.Values{"email": {"x@example.com"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_PasswordTooLong(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/register", url.Values{
		"username": {"alice"},
		"email":    {"alice@example.com"},
		"password": {strings.Repeat("p", 80)},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Password must be at most 72 bytes")
	assert.Nil(t, s.cookie)

	_, err := s.accounts.GetAccountByEmail(context.Background(), "alice@example.com")
	require.ErrorIs(t, err, service.ErrAccountNotFound)
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)
	s.cookie = nil

	rec := s.do(t, http.MethodPost, "/login", url.Values{"email": {"alice@example.com"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incorrect email or password")

	rec = s.do(t, http.MethodPost, "/login", url.Values{"email": {"nobody@example.com"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incorrect email or password")
	assert.Nil(t, s.cookie)

	rec = s.do(t, http.MethodPost, "/login", url.Values{"username": {"alice@example.com"}, "password": {"correct horse"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/home", rec.Header().Get("Location"))
	require.NotNil(t, s.cookie)
	assert.True(t, s.cookie.HttpOnly)
}

func TestSessionRequired(t *testing.T) {
	s := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/home"},
		{http.MethodPost, "/update-preferences"},
		{http.MethodPost, "/link-id"},
		{http.MethodPost, "/data"},
		{http.MethodPost, "/delete-account"},
	} {
		rec := s.do(t, tc.method, tc.path, url.Values{})
		assert.Equal(t, http.StatusSeeOther, rec.Code, tc.path)
		assert.Equal(t, "/login", rec.Header().Get("Location"), tc.path)
	}

	s.cookie = &http.Cookie{Name: sessionCookie, Value: "Bearer+not-a-jwt"}
	rec := s.do(t, http.MethodGet, "/home", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Nil(t, s.cookie, "bad cookie is cleared")
}

func TestUpdatePreferences(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)

	rec := s.do(t, http.MethodPost, "/update-preferences", url.Values{"theme": {"light"}, "language": {"de"}, "notifications_shown": {"1"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/home?notice=prefs-saved", rec.Header().Get("Location"))

	view, err := s.accounts.GetAccountView(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "light", *view.Preferences.Theme)
	assert.Equal(t, "de", *view.Preferences.Language)
	assert.False(t, *view.Preferences.Notifications, "unchecked box clears notifications")

	rec = s.do(t, http.MethodPost, "/update-preferences", url.Values{"theme": {"dark"}, "language": {"de"}, "notifications": {"maybe"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/update-preferences", url.Values{"notifications": {"on"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	view, err = s.accounts.GetAccountView(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.True(t, *view.Preferences.Notifications)
	assert.Equal(t, "light", *view.Preferences.Theme)

	rec = s.do(t, http.MethodPost, "/update-preferences", url.Values{"theme": {"dark"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	view, err = s.accounts.GetAccountView(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "dark", *view.Preferences.Theme)
	assert.True(t, *view.Preferences.Notifications, "theme-only post keeps notifications")

	rec = s.do(t, http.MethodGet, "/home", nil)
	assert.Contains(t, rec.Body.String(), `name="notifications_shown"`)
	assert.Contains(t, rec.Body.String(), `value="true" checked`)
}

func TestLinkID(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)

	rec := s.do(t, http.MethodPost, "/link-id", url.Values{"id": {"ext-42"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/home?notice=linked", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodPost, "/link-id", url.Values{"id": {"ext-42"}})
	assert.Equal(t, "/home?notice=link-unchanged", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodPost, "/link-id", url.Values{"id": {""}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/home?notice=linked", nil)
	assert.Contains(t, rec.Body.String(), "<code>ext-42</code>")
	assert.Contains(t, rec.Body.String(), "External id linked.")
}

func TestAddData(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)

	rec := s.do(t, http.MethodPost, "/data", url.Values{"payload": {`{"title":"first"}`}})
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = s.do(t, http.MethodPost, "/data", url.Values{"payload": {`not json`}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/home", nil)
	assert.Contains(t, rec.Body.String(), "first")
	assert.NotContains(t, rec.Body.String(), "No data stored.")
}

func TestDeleteAccount(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)
	stale := s.cookie

	rec := s.do(t, http.MethodPost, "/delete-account", url.Values{})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/?notice=account-deleted", rec.Header().Get("Location"))
	assert.Nil(t, s.cookie)

	_, err := s.accounts.GetAccountByEmail(context.Background(), "alice@example.com")
	require.ErrorIs(t, err, service.ErrAccountNotFound)

	// token still verifies but the account is gone
	s.cookie = stale
	rec = s.do(t, http.MethodGet, "/home", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.Nil(t, s.cookie)
}

func TestLogout(t *testing.T) {
	s := newTestServer(t)
	s.registerAlice(t)

	rec := s.do(t, http.MethodGet, "/logout", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Nil(t, s.cookie)
}
