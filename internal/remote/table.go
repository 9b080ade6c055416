package remote

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

// Table is the bookmarks table as seen by the signed in user.
type Table struct {
	client *Client
}

func NewTable(client *Client) *Table {
	return &Table{client: client}
}

func (t *Table) List(ctx context.Context) ([]models.Bookmark, error) {
	out := []models.Bookmark{}
	resp, err := t.client.R(ctx).SetResult(&out).Get("/bookmark")
	if err != nil {
		return nil, errors.Wrap(err, "list bookmarks")
	}
	if resp.IsError() {
		return nil, statusError("list bookmarks", resp)
	}
	return out, nil
}

func (t *Table) Insert(ctx context.Context, in models.NewBookmark) (*models.Bookmark, error) {
	out := models.Bookmark{}
	resp, err := t.client.R(ctx).
		SetBody(models.BookmarkReq{Title: in.Title, URL: in.URL}).
		SetResult(&out).
		Post("/bookmark")
	if err != nil {
		return nil, errors.Wrap(err, "create bookmark")
	}
	if resp.IsError() {
		return nil, statusError("create bookmark", resp)
	}
	return &out, nil
}

func (t *Table) Delete(ctx context.Context, id string) error {
	resp, err := t.client.R(ctx).Delete("/bookmark/" + url.PathEscape(id))
	if err != nil {
		return errors.Wrap(err, "delete bookmark")
	}
	if resp.IsError() {
		return statusError("delete bookmark", resp)
	}
	return nil
}
