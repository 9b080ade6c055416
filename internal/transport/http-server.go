package transport

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/db"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/feed"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/service"
)

type (
	// Service is the part of service.General the HTTP API needs.
	Service interface {
		Register(ctx context.Context, email, pass string) (*db.User, error)
		Login(ctx context.Context, email, pass string) (*db.User, error)
		OAuthLogin(ctx context.Context, email string) (*db.User, error)
		Logout(ctx context.Context, user *db.User) error
		UserByToken(ctx context.Context, token string) (*db.User, error)
		BookmarkGet(ctx context.Context, user *db.User) ([]db.Bookmark, error)
		BookmarkCreate(ctx context.Context, user *db.User, title, url string) (*db.Bookmark, error)
		BookmarkDelete(ctx context.Context, user *db.User, id string) error
	}

	CustomValidator struct {
		validator *validator.Validate
	}

	HTTPServer struct {
		echo         *echo.Echo
		svc          Service
		hub          *feed.Hub
		oauth        *OAuth
		logger       *zap.SugaredLogger
		pingInterval time.Duration
	}
)

var publicPaths = map[string]bool{
	"/ping":                           true,
	"/auth/register":                  true,
	"/auth/login":                     true,
	"/auth/oauth/:provider":           true,
	"/auth/oauth/:provider/callback": true,
}

func NewHTTPServer(lc fx.Lifecycle, cfg *config.Config, svc *service.General, hub *feed.Hub, oauth *OAuth, logger *zap.SugaredLogger) *HTTPServer {
	instance := New(svc, hub, oauth, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listen := net.JoinHostPort(cfg.Host, cfg.Port)
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return errors.Wrap(err, "http listen")
			}
			instance.echo.Listener = ln
			logger.Infow("Starting HTTP server.", "addr", ln.Addr().String())

			go func() {
				if err := instance.echo.Start(""); err != nil && err != http.ErrServerClosed {
					logger.Fatalw("shutting down the server", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping HTTP server.")
			return instance.echo.Shutdown(ctx)
		},
	})

	return instance
}

// New builds the routes without binding a listener.
func New(svc Service, hub *feed.Hub, oauth *OAuth, logger *zap.SugaredLogger) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	instance := &HTTPServer{
		echo:         e,
		svc:          svc,
		hub:          hub,
		oauth:        oauth,
		logger:       logger,
		pingInterval: 30 * time.Second,
	}

	authG := e.Group("/auth")
	authG.POST("/register", instance.Register)
	authG.POST("/login", instance.Login)
	authG.GET("/me", instance.Me)
	authG.POST("/logout", instance.Logout)
	authG.GET("/oauth/:provider", instance.OAuthStart)
	authG.GET("/oauth/:provider/callback", instance.OAuthCallback)

	bookmarkG := e.Group("/bookmark")
	bookmarkG.GET("", instance.BookmarkGet)
	bookmarkG.POST("", instance.BookmarkCreate)
	bookmarkG.DELETE("/:id", instance.BookmarkDelete)
	bookmarkG.GET("/feed", instance.BookmarkFeed)

	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	e.Use(middleware.CORS())
	e.Use(RequestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(BodyLogger(logger))

	e.Use(instance.AuthMiddleware)

	e.Validator = &CustomValidator{validator: validator.New()}
	e.HTTPErrorHandler = instance.errorHandler

	return instance
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *HTTPServer) Register(c echo.Context) error {
	u := models.UserReq{}
	if err := BindAndValidate(c, &u); err != nil {
		return err
	}

	user, err := s.svc.Register(c.Request().Context(), u.Email, u.Password)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, authResp(user))
}

func (s *HTTPServer) Login(c echo.Context) error {
	u := models.UserReq{}
	if err := BindAndValidate(c, &u); err != nil {
		return err
	}

	user, err := s.svc.Login(c.Request().Context(), u.Email, u.Password)
	if err != nil {
		if errors.Is(err, service.ErrLoginUserNotFound) || errors.Is(err, service.ErrLoginPasswordDoesNotMatch) {
			return echo.NewHTTPError(http.StatusUnauthorized, "wrong email or password")
		}
		return err
	}
	return c.JSON(http.StatusOK, authResp(user))
}

func (s *HTTPServer) Me(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user.ToModel())
}

func (s *HTTPServer) Logout(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}
	if err := s.svc.Logout(c.Request().Context(), user); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) BookmarkGet(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	bookmarks, err := s.svc.BookmarkGet(c.Request().Context(), user)
	if err != nil {
		return err
	}

	resp := make([]models.Bookmark, len(bookmarks))
	for i := range bookmarks {
		resp[i] = bookmarks[i].ToModel()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) BookmarkCreate(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := models.BookmarkReq{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Title, req.URL = strings.TrimSpace(req.Title), strings.TrimSpace(req.URL)
	if err := c.Validate(&req); err != nil {
		return err
	}

	model, err := s.svc.BookmarkCreate(c.Request().Context(), user, req.Title, req.URL)
	if err != nil {
		if errors.Is(err, service.ErrBlankField) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusCreated, model.ToModel())
}

func (s *HTTPServer) BookmarkDelete(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}
	id, err := GetParam(c, "id")
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid path param 'id'")
	}

	if err := s.svc.BookmarkDelete(c.Request().Context(), user, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if publicPaths[c.Path()] {
			return next(c)
		}
		token := c.Request().Header.Get("X-Token")
		if token == "" {
			return c.NoContent(http.StatusUnauthorized)
		}
		user, err := s.svc.UserByToken(c.Request().Context(), token)
		if err != nil {
			if !errors.Is(err, service.ErrTokenInvalid) {
				s.logger.Errorw("find user by token", "error", err)
			}
			return c.NoContent(http.StatusUnauthorized)
		}

		c.Set("user", user)
		return next(c)
	}
}

func (s *HTTPServer) errorHandler(err error, c echo.Context) {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		s.logger.Errorw("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	c.Echo().DefaultHTTPErrorHandler(err, c)
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func BindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(v); err != nil {
		return err
	}
	return nil
}

func GetUserFromContext(c echo.Context) (*db.User, error) {
	user, ok := c.Get("user").(*db.User)
	if !ok || user == nil {
		return nil, errors.New("no user found in context")
	}
	return user, nil
}

func GetParam(c echo.Context, name string) (string, error) {
	value := c.Param(name)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid path param '"+name+"'")
	}
	return value, nil
}

func authResp(user *db.User) models.AuthResp {
	return models.AuthResp{
		Token: user.Token,
		User:  user.ToModel(),
	}
}
