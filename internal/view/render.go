package view

import (
	"fmt"
	"io"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

const (
	EmptyText  = "No bookmarks yet! Add your first bookmark above."
	dateLayout = "02 Jan 2006"
)

// Render prints list as a numbered listing, newest first.
func Render(w io.Writer, list []models.Bookmark) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, EmptyText)
		return err
	}

	width := len(fmt.Sprint(len(list)))
	for i, b := range list {
		_, err := fmt.Fprintf(w, "%*d. %s\n%*s  %s  %s\n",
			width, i+1, b.Title,
			width, "", b.URL, b.CreatedAt.UTC().Format(dateLayout))
		if err != nil {
			return err
		}
	}
	return nil
}
