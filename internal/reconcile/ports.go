package reconcile

import (
	"context"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

// Table is the remote bookmarks table, scoped to the signed in user.
type Table interface {
	List(ctx context.Context) ([]models.Bookmark, error)
	Insert(ctx context.Context, in models.NewBookmark) (*models.Bookmark, error)
	Delete(ctx context.Context, id string) error
}

// Subscriber opens push channels of bookmark changes for the signed in user.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is an open push channel. Events is closed when the channel
// drops or Close is called.
type Subscription interface {
	Events() <-chan models.Change
	Close() error
}
