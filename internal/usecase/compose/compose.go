package compose

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// MaxLines ограничивает количество строк в посте.
const MaxLines = 5

// ErrEmpty возвращается, если после очистки текст пуст.
var ErrEmpty = errors.New("post is empty")

var blankRun = regexp.MustCompile(`\n{3,}`)

// Clean приводит текст поста к публикуемому виду: NFC, не более MaxLines строк
// и domain.MaxPostLength символов, без пробелов по краям и без длинных серий
// пустых строк.
func Clean(raw string) string {
	text := norm.NFC.String(strings.ReplaceAll(raw, "\r\n", "\n"))
	lines := strings.Split(text, "\n")
	if len(lines) > MaxLines {
		text = strings.Join(lines[:MaxLines], "\n")
	}
	if runes := []rune(text); len(runes) > domain.MaxPostLength {
		text = string(runes[:domain.MaxPostLength])
	}
	text = strings.TrimSpace(text)
	return blankRun.ReplaceAllString(text, "\n\n")
}

// Prepare очищает текст и отклоняет пустой результат.
func Prepare(raw string) (string, error) {
	cleaned := Clean(raw)
	if strings.TrimSpace(strings.ReplaceAll(cleaned, "\n", "")) == "" {
		return "", ErrEmpty
	}
	return cleaned, nil
}

// Remaining возвращает, сколько символов ещё можно ввести.
func Remaining(raw string) int {
	return domain.MaxPostLength - len([]rune(raw))
}
