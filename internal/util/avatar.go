package util

import (
	"hash/fnv"
	"strings"
	"unicode/utf8"
)

var avatarGlyphs = []string{
	"🍿", "🎬", "🎥", "📺", "🎞️", "🌟", "🦊", "🐼", "🐙", "🦄", "🐸", "🐧",
}

// AvatarGlyph picks a stable glyph for a user.
func AvatarGlyph(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return avatarGlyphs[h.Sum32()%uint32(len(avatarGlyphs))]
}

// DisplayName falls back to the local part of an email, then to "Guest".
func DisplayName(name, email string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return TruncateRunes(name, 40)
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return TruncateRunes(email[:at], 40)
	}
	return "Guest"
}

// TruncateRunes cuts s to at most max runes.
func TruncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
