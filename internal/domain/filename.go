package domain

import (
	"regexp"
	"strings"
)

const maxFilenameRunes = 100

var (
	reservedFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	filenameWhitespace    = regexp.MustCompile(`\s+`)
)

// SanitizeFilename makes a display name safe to use as a file name. Reserved
// characters become '_', whitespace runs collapse to one '_', the stem is cut
// to 100 characters and ext (default ".mp4") is appended.
func SanitizeFilename(name, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}

	stem := reservedFilenameChars.ReplaceAllString(name, "_")
	stem = filenameWhitespace.ReplaceAllString(stem, "_")

	if runes := []rune(stem); len(runes) > maxFilenameRunes {
		stem = string(runes[:maxFilenameRunes])
	}
	if strings.Trim(stem, "_.") == "" {
		stem = "video"
	}

	return stem + ext
}
