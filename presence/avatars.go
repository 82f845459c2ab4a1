package presence

import (
	"strings"
	"unicode"

	"crest-api/domain"
)

// MaxAvatars is the number of collaborator avatars shown before collapsing
// the remainder into an overflow counter.
const MaxAvatars = 5

// Avatar is the view model for one collaborator circle.
type Avatar struct {
	Initials string `json:"initials"`
	Color    string `json:"color"`
	Title    string `json:"title"`
}

// Avatars renders the roster into at most MaxAvatars view models plus the
// overflow count. Pure function of its input; roster order is preserved.
func Avatars(collabs []domain.Collaborator) ([]Avatar, int) {
	shown := collabs
	overflow := 0
	if len(shown) > MaxAvatars {
		overflow = len(shown) - MaxAvatars
		shown = shown[:MaxAvatars]
	}
	out := make([]Avatar, 0, len(shown))
	for _, c := range shown {
		name := c.FullName
		if name == "" {
			name = c.Username
		}
		out = append(out, Avatar{
			Initials: initials(name),
			Color:    c.Color,
			Title:    name,
		})
	}
	return out, overflow
}

// initials takes the first letter of up to the first two words, uppercased.
func initials(name string) string {
	var b strings.Builder
	for i, word := range strings.Fields(name) {
		if i == 2 {
			break
		}
		r := []rune(word)[0]
		b.WriteRune(unicode.ToUpper(r))
	}
	if b.Len() == 0 {
		return "?"
	}
	return b.String()
}
