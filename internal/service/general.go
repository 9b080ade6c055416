package service

import (
	"context"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/db"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/feed"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

var (
	ErrLoginUserNotFound         = errors.New("user not found")
	ErrLoginPasswordDoesNotMatch = errors.New("password does not match")
	ErrEmailTaken                = errors.New("email already registered")
	ErrTokenInvalid              = errors.New("token invalid")
	ErrBlankField                = errors.New("title and url must not be blank")
)

type General struct {
	db         *gorm.DB
	logger     *zap.SugaredLogger
	publisher  feed.Publisher
	bcryptCost int
	now        func() time.Time
}

func NewGeneral(db *gorm.DB, l *zap.SugaredLogger, publisher feed.Publisher, cfg *config.Config) *General {
	return &General{
		db:         db,
		logger:     l,
		publisher:  publisher,
		bcryptCost: cfg.BcryptCost,
		now:        time.Now,
	}
}

func (s *General) Register(ctx context.Context, email, pass string) (*db.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	existing := db.User{}
	res := s.db.WithContext(ctx).Where("email = ?", email).Limit(1).Find(&existing)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "lookup email")
	}
	if res.RowsAffected > 0 {
		return nil, ErrEmailTaken
	}

	hash, err := s.bcryptGen(pass)
	if err != nil {
		return nil, errors.Wrap(err, "bcryptGen")
	}

	user := db.User{
		GormForkedModel: db.GormForkedModel{ID: uuid.New().String()},
		Email:           email,
		Password:        hash,
		Token:           uuid.New().String(),
	}
	if res := s.db.WithContext(ctx).Create(&user); res.Error != nil {
		return nil, errors.Wrap(res.Error, "create user")
	}
	return &user, nil
}

func (s *General) Login(ctx context.Context, email, pass string) (*db.User, error) {
	user := db.User{}
	res := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrLoginUserNotFound
		}
		return nil, res.Error
	}

	// OAuth-only accounts have no password.
	if user.Password == "" {
		return nil, ErrLoginPasswordDoesNotMatch
	}
	if err := s.bcryptCheck(user.Password, pass); err != nil {
		return nil, ErrLoginPasswordDoesNotMatch
	}

	if err := s.rotateToken(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// OAuthLogin signs in the owner of a provider-verified email, creating the
// account on first use.
func (s *General) OAuthLogin(ctx context.Context, email string) (*db.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("provider returned no email")
	}

	user := db.User{}
	res := s.db.WithContext(ctx).Where("email = ?", email).Limit(1).Find(&user)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "lookup email")
	}
	if res.RowsAffected == 0 {
		user = db.User{
			GormForkedModel: db.GormForkedModel{ID: uuid.New().String()},
			Email:           email,
			Token:           uuid.New().String(),
		}
		if res := s.db.WithContext(ctx).Create(&user); res.Error != nil {
			return nil, errors.Wrap(res.Error, "create user")
		}
		s.logger.Infow("created account from oauth sign in", "user_id", user.ID)
		return &user, nil
	}

	if err := s.rotateToken(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout invalidates the user's current token.
func (s *General) Logout(ctx context.Context, user *db.User) error {
	return s.rotateToken(ctx, user)
}

func (s *General) UserByToken(ctx context.Context, token string) (*db.User, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	user := db.User{}
	res := s.db.WithContext(ctx).Where("token = ?", token).Limit(1).Find(&user)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "lookup token")
	}
	if res.RowsAffected == 0 {
		return nil, ErrTokenInvalid
	}
	return &user, nil
}

func (s *General) BookmarkGet(ctx context.Context, user *db.User) ([]db.Bookmark, error) {
	sql, args, err := squirrel.
		Select("b.id", "b.title", "b.url", "b.user_id", "b.created_at", "b.updated_at").
		From("bookmarks b").
		Where(squirrel.Eq{"b.user_id": user.ID}).
		OrderBy("b.created_at DESC", "b.id DESC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build sql")
	}

	bookmarks := make([]db.Bookmark, 0)
	res := s.db.WithContext(ctx).Raw(sql, args...).Scan(&bookmarks)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "scan")
	}

	return bookmarks, nil
}

func (s *General) BookmarkCreate(ctx context.Context, user *db.User, title, url string) (*db.Bookmark, error) {
	title, url = strings.TrimSpace(title), strings.TrimSpace(url)
	if title == "" || url == "" {
		return nil, ErrBlankField
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	model := db.Bookmark{
		GormForkedModel: db.GormForkedModel{
			ID:        uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		Title:  title,
		URL:    url,
		UserID: user.ID,
	}

	res := s.db.WithContext(ctx).Create(&model)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "create bookmark")
	}

	s.publish(ctx, models.InsertChange(model.ToModel()))
	return &model, nil
}

// BookmarkDelete removes one of the user's bookmarks. Deleting a row that is
// already gone is not an error.
func (s *General) BookmarkDelete(ctx context.Context, user *db.User, id string) error {
	model := db.Bookmark{}
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, user.ID).Limit(1).Find(&model)
	if res.Error != nil {
		return errors.Wrap(res.Error, "lookup bookmark")
	}
	if res.RowsAffected == 0 {
		return nil
	}

	res = s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, user.ID).Delete(&db.Bookmark{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete bookmark")
	}
	if res.RowsAffected > 0 {
		s.publish(ctx, models.DeleteChange(model.ToModel()))
	}
	return nil
}

func (s *General) publish(ctx context.Context, c models.Change) {
	if err := s.publisher.Publish(ctx, c); err != nil {
		s.logger.Warnw("publish change", "error", err, "event", c.EventType, "id", c.RowID())
	}
}

func (s *General) rotateToken(ctx context.Context, user *db.User) error {
	token := uuid.New().String()
	res := s.db.WithContext(ctx).Model(user).Update("token", token)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update token")
	}
	user.Token = token
	return nil
}

func (s *General) bcryptGen(pass string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(pass), s.bcryptCost)
	return string(bytes), err
}

func (s *General) bcryptCheck(hash, pass string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass))
}
