package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Change is a single row event on the bookmarks table. New is set for
// INSERT and UPDATE, Old for UPDATE and DELETE.
type Change struct {
	EventType ChangeKind `json:"eventType"`
	New       *Bookmark  `json:"new,omitempty"`
	Old       *Bookmark  `json:"old,omitempty"`
}

func InsertChange(b Bookmark) Change {
	return Change{EventType: ChangeInsert, New: &b}
}

func DeleteChange(b Bookmark) Change {
	return Change{EventType: ChangeDelete, Old: &b}
}

// OwnerID is the user the changed row belongs to.
func (c Change) OwnerID() string {
	if c.New != nil {
		return c.New.UserID
	}
	if c.Old != nil {
		return c.Old.UserID
	}
	return ""
}

// RowID is the id of the changed row.
func (c Change) RowID() string {
	if c.New != nil {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return ""
}

func DecodeChange(payload []byte) (Change, error) {
	c := Change{}
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, errors.Wrap(err, "decode change")
	}

	switch c.EventType {
	case ChangeInsert:
		if c.New == nil {
			return Change{}, errors.New("insert change without new row")
		}
	case ChangeDelete:
		if c.Old == nil {
			return Change{}, errors.New("delete change without old row")
		}
	case ChangeUpdate:
	default:
		return Change{}, errors.Errorf("unknown change event type %q", c.EventType)
	}

	return c, nil
}
