package models

import (
	"time"
)

type (
	User struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}

	Bookmark struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		URL       string    `json:"url"`
		CreatedAt time.Time `json:"created_at"`
		UserID    string    `json:"user_id"`
	}

	// NewBookmark is the insert payload. The backend assigns id and created_at.
	NewBookmark struct {
		Title  string `json:"title" validate:"required"`
		URL    string `json:"url" validate:"required"`
		UserID string `json:"user_id,omitempty"`
	}
)
