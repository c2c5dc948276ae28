package feed

import "github.com/iemedia/ChirpNestSSR/internal/domain"

// Position задаёт, с какой стороны добавляются входящие записи.
type Position int

const (
	// Back добавляет входящие записи после существующих (пагинация).
	Back Position = iota
	// Front ставит входящие записи перед существующими (realtime).
	Front
)

// MergeDeduplicated объединяет две упорядоченные последовательности и оставляет
// первое вхождение каждого id. Относительный порядок первых вхождений
// сохраняется. Исходные срезы не изменяются.
func MergeDeduplicated(existing, incoming []domain.Post, pos Position) []domain.Post {
	first, second := existing, incoming
	if pos == Front {
		first, second = incoming, existing
	}
	out := make([]domain.Post, 0, len(first)+len(second))
	seen := make(map[string]struct{}, len(first)+len(second))
	for _, seq := range [2][]domain.Post{first, second} {
		for _, p := range seq {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Remove возвращает список без записи id. Отсутствующий id — no-op.
func Remove(posts []domain.Post, id string) ([]domain.Post, bool) {
	idx := indexOf(posts, id)
	if idx < 0 {
		return posts, false
	}
	out := make([]domain.Post, 0, len(posts)-1)
	out = append(out, posts[:idx]...)
	out = append(out, posts[idx+1:]...)
	return out, true
}

// Replace подменяет запись с тем же id на месте.
func Replace(posts []domain.Post, post domain.Post) ([]domain.Post, bool) {
	idx := indexOf(posts, post.ID)
	if idx < 0 {
		return posts, false
	}
	out := make([]domain.Post, len(posts))
	copy(out, posts)
	out[idx] = post
	return out, true
}

func indexOf(posts []domain.Post, id string) int {
	for i := range posts {
		if posts[i].ID == id {
			return i
		}
	}
	return -1
}
