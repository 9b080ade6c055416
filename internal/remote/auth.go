package remote

import (
	"context"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

var ErrNotSignedIn = errors.New("not signed in")

// Auth tracks who is signed in against the backend and tells listeners
// whenever that changes.
type Auth struct {
	client *Client
	logger *zap.SugaredLogger

	mu        sync.Mutex
	user      *models.User
	listeners map[int]func(*models.User)
	nextID    int
}

func NewAuth(client *Client, logger *zap.SugaredLogger) *Auth {
	a := &Auth{
		client:    client,
		logger:    logger,
		listeners: map[int]func(*models.User){},
	}
	client.setOnUnauthorized(a.expire)
	return a
}

// CurrentUser returns the cached identity without a round trip.
func (a *Auth) CurrentUser() *models.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

// GetCurrentUser asks the backend who the token belongs to. It returns
// nil, nil when there is no token.
func (a *Auth) GetCurrentUser(ctx context.Context) (*models.User, error) {
	if a.client.Token() == "" {
		return nil, nil
	}

	out := models.User{}
	resp, err := a.client.R(ctx).SetResult(&out).Get("/auth/me")
	if err != nil {
		return nil, errors.Wrap(err, "get current user")
	}
	if resp.IsError() {
		err := statusError("get current user", resp)
		if IsUnauthorized(err) {
			return nil, nil
		}
		return nil, err
	}

	a.setIdentity(a.client.Token(), &out)
	return &out, nil
}

// OnIdentityChange registers fn for every sign in, sign out and expiry.
// fn runs synchronously on the goroutine that caused the change.
func (a *Auth) OnIdentityChange(fn func(*models.User)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	a.listeners[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *Auth) Register(ctx context.Context, email, password string) (*models.User, error) {
	return a.credentials(ctx, "register", "/auth/register", email, password)
}

func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*models.User, error) {
	return a.credentials(ctx, "login", "/auth/login", email, password)
}

// SignInWithProvider returns the URL the user has to open to sign in with
// the named provider. The callback answers with a token for UseToken.
func (a *Auth) SignInWithProvider(ctx context.Context, name string) (string, error) {
	out := models.OAuthURLResp{}
	resp, err := a.client.R(ctx).
		SetQueryParam("format", "json").
		SetResult(&out).
		Get("/auth/oauth/" + url.PathEscape(name))
	if err != nil {
		return "", errors.Wrap(err, "oauth start")
	}
	if resp.IsError() {
		return "", statusError("oauth start", resp)
	}
	return out.URL, nil
}

// UseToken signs in with a token obtained elsewhere, for example from the
// oauth callback. A rejected token leaves the current identity alone.
func (a *Auth) UseToken(ctx context.Context, token string) (*models.User, error) {
	out := models.User{}
	resp, err := a.client.R(ctx).
		SetHeader(tokenHeader, token).
		SetResult(&out).
		Get("/auth/me")
	if err != nil {
		return nil, errors.Wrap(err, "use token")
	}
	if resp.IsError() {
		return nil, statusError("use token", resp)
	}

	a.setIdentity(token, &out)
	return &out, nil
}

// SignOut invalidates the token on the backend and clears the identity.
// The identity is cleared even when the backend call fails.
func (a *Auth) SignOut(ctx context.Context) error {
	if a.client.Token() == "" {
		return ErrNotSignedIn
	}

	resp, err := a.client.R(ctx).Post("/auth/logout")
	a.setIdentity("", nil)
	if err != nil {
		return errors.Wrap(err, "logout")
	}
	if resp.IsError() && !IsUnauthorized(statusError("logout", resp)) {
		return statusError("logout", resp)
	}
	return nil
}

func (a *Auth) credentials(ctx context.Context, op, path, email, password string) (*models.User, error) {
	out := models.AuthResp{}
	r := a.client.R(ctx)
	// a rejected login must not expire the current session
	r.Header.Del(tokenHeader)
	resp, err := r.
		SetBody(models.UserReq{Email: email, Password: password}).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if resp.IsError() {
		return nil, statusError(op, resp)
	}

	a.setIdentity(out.Token, &out.User)
	return &out.User, nil
}

// expire is called when an authenticated request comes back 401.
func (a *Auth) expire() {
	if a.CurrentUser() == nil {
		return
	}
	a.logger.Infow("session expired")
	a.setIdentity("", nil)
}

func (a *Auth) setIdentity(token string, user *models.User) {
	a.client.SetToken(token)

	a.mu.Lock()
	if sameUser(a.user, user) {
		a.user = user
		a.mu.Unlock()
		return
	}
	a.user = user
	listeners := make([]func(*models.User), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(user)
	}
}

func sameUser(a, b *models.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}
