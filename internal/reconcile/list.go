package reconcile

import (
	"sort"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
)

func indexOf(list []models.Bookmark, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted puts b before the first row that is not newer than it, so the
// newest row lands at the front.
func insertSorted(list []models.Bookmark, b models.Bookmark) []models.Bookmark {
	i := sort.Search(len(list), func(i int) bool {
		return !list[i].CreatedAt.After(b.CreatedAt)
	})

	out := make([]models.Bookmark, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, b)
	return append(out, list[i:]...)
}

func removeAt(list []models.Bookmark, i int) []models.Bookmark {
	out := make([]models.Bookmark, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

// newestFirst orders rows by created_at desc and drops repeated ids.
func newestFirst(rows []models.Bookmark) []models.Bookmark {
	out := make([]models.Bookmark, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
