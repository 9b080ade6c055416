package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/db/dbtest"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/feed"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/service"
)

func TestCensorBody(t *testing.T) {
	b := `{
		"email": "email@email.com",
		"password": "123456789123"
	}`

	got := censorBody([]byte(b))
	assert.JSONEq(t, `{
		"email": "email@email.com",
		"password": "$censored"
	}`, string(got))

	assert.Equal(t, `not json`, string(censorBody([]byte(`not json`))))
	assert.Equal(t, `{"title":"x"}`, string(censorBody([]byte(`{"title":"x"}`))))
}

type fakeProvider struct {
	email string
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example/auth?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Email(_ context.Context, code string) (string, error) {
	if code != "good-code" {
		return "", assert.AnError
	}
	return p.email, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *feed.Hub) {
	t.Helper()

	logger := zap.NewNop().Sugar()
	hub := feed.NewHub(logger)
	svc := service.NewGeneral(dbtest.Open(t), logger, hub, &config.Config{BcryptCost: bcrypt.MinCost})

	oauth := &OAuth{providers: map[string]Provider{}, states: NewStateStore(time.Minute)}
	oauth.Register("fake", &fakeProvider{email: "oauth@example.com"})

	srv := httptest.NewServer(New(svc, hub, oauth, logger))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func register(t *testing.T, base, email string) models.AuthResp {
	t.Helper()

	resp, err := resty.New().R().
		SetBody(models.UserReq{Email: email, Password: "111111111111"}).
		SetResult(&models.AuthResp{}).
		Post(base + "/auth/register")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())

	return *resp.Result().(*models.AuthResp)
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := resty.New().R().Get(srv.URL + "/ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.String())
}

func TestAuthFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	cl := resty.New()

	reg := register(t, srv.URL, "test@gmail.com")
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "test@gmail.com", reg.User.Email)

	resp, err := cl.R().SetBody(models.UserReq{Email: "test@gmail.com", Password: "111111111111"}).Post(srv.URL + "/auth/register")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode())

	resp, err = cl.R().SetBody(`{"something": "???"}`).SetHeader("Content-Type", "application/json").Post(srv.URL + "/auth/register")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	resp, err = cl.R().SetBody(models.UserReq{Email: "test@gmail.com", Password: "wrong-password"}).Post(srv.URL + "/auth/login")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())

	login := models.AuthResp{}
	resp, err = cl.R().SetBody(models.UserReq{Email: "test@gmail.com", Password: "111111111111"}).SetResult(&login).Post(srv.URL + "/auth/login")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())

	me := models.User{}
	resp, err = cl.R().SetHeader("X-Token", login.Token).SetResult(&me).Get(srv.URL + "/auth/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, reg.User.ID, me.ID)

	resp, err = cl.R().SetHeader("X-Token", reg.Token).Get(srv.URL + "/auth/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())

	resp, err = cl.R().SetHeader("X-Token", login.Token).Post(srv.URL + "/auth/logout")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())

	resp, err = cl.R().SetHeader("X-Token", login.Token).Get(srv.URL + "/auth/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
}

func TestBookmarkAPI(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := register(t, srv.URL, "alice@example.com")
	cl := resty.New().SetBaseURL(srv.URL)

	resp, err := cl.R().Get("/bookmark")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())

	resp, err = cl.R().SetHeader("X-Token", auth.Token).SetBody(models.BookmarkReq{Title: " ", URL: "https://x.example"}).Post("/bookmark")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	created := make([]models.Bookmark, 0, 2)
	for _, title := range []string{"First", "Second"} {
		b := models.Bookmark{}
		resp, err = cl.R().
			SetHeader("X-Token", auth.Token).
			SetBody(models.BookmarkReq{Title: title, URL: "https://" + strings.ToLower(title) + ".example"}).
			SetResult(&b).
			Post("/bookmark")
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode(), resp.String())
		assert.NotEmpty(t, b.ID)
		assert.Equal(t, auth.User.ID, b.UserID)
		assert.False(t, b.CreatedAt.IsZero())
		created = append(created, b)
		time.Sleep(5 * time.Millisecond)
	}

	list := []models.Bookmark{}
	resp, err = cl.R().SetHeader("X-Token", auth.Token).SetResult(&list).Get("/bookmark")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.Len(t, list, 2)
	assert.Equal(t, created[1].ID, list[0].ID)
	assert.Equal(t, created[0].ID, list[1].ID)

	resp, err = cl.R().SetHeader("X-Token", auth.Token).Delete("/bookmark/not-a-uuid")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	for i := 0; i < 2; i++ {
		resp, err = cl.R().SetHeader("X-Token", auth.Token).Delete("/bookmark/" + created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode())
	}

	resp, err = cl.R().SetHeader("X-Token", auth.Token).SetResult(&list).Get("/bookmark")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created[1].ID, list[0].ID)
}

func TestBookmarkFeed(t *testing.T) {
	srv, hub := newTestServer(t)
	alice := register(t, srv.URL, "alice@example.com")
	bob := register(t, srv.URL, "bob@example.com")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bookmark/feed"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-Token": []string{alice.Token}})
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	cl := resty.New().SetBaseURL(srv.URL)
	resp2, err := cl.R().SetHeader("X-Token", bob.Token).SetBody(models.BookmarkReq{Title: "Bob", URL: "https://bob.example"}).Post("/bookmark")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp2.StatusCode())

	created := models.Bookmark{}
	resp2, err = cl.R().SetHeader("X-Token", alice.Token).SetBody(models.BookmarkReq{Title: "News", URL: "https://news.example"}).SetResult(&created).Post("/bookmark")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp2.StatusCode())

	resp2, err = cl.R().SetHeader("X-Token", alice.Token).Delete("/bookmark/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp2.StatusCode())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	ev := models.Change{}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.ChangeInsert, ev.EventType)
	assert.Equal(t, created.ID, ev.RowID())
	assert.Equal(t, "News", ev.New.Title)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.ChangeDelete, ev.EventType)
	assert.Equal(t, created.ID, ev.RowID())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestOAuthFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	cl := resty.New().SetBaseURL(srv.URL)

	resp, err := cl.R().Get("/auth/oauth/nope?format=json")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())

	start := models.OAuthURLResp{}
	resp, err = cl.R().SetResult(&start).Get("/auth/oauth/fake?format=json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())

	u, err := url.Parse(start.URL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	resp, err = cl.R().Get("/auth/oauth/fake/callback?code=good-code&state=forged")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	got := models.AuthResp{}
	resp, err = cl.R().SetResult(&got).Get("/auth/oauth/fake/callback?code=good-code&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())
	assert.NotEmpty(t, got.Token)
	assert.Equal(t, "oauth@example.com", got.User.Email)

	resp, err = cl.R().Get("/auth/oauth/fake/callback?code=good-code&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	noRedirect := resty.New().SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	resp, err = noRedirect.R().Get(srv.URL + "/auth/oauth/fake")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode())
	assert.True(t, strings.HasPrefix(resp.Header().Get("Location"), "https://idp.example/auth"))
}

func TestStateStoreExpiry(t *testing.T) {
	s := NewStateStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fresh := s.New("google")
	stale := s.New("google")
	other := s.New("google")

	assert.True(t, s.Take(fresh, "google"))
	assert.False(t, s.Take(fresh, "google"))
	assert.False(t, s.Take(other, "github"))

	now = now.Add(2 * time.Minute)
	assert.False(t, s.Take(stale, "google"))
}
