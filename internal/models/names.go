package models

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxTitleRunes caps folder names and duplicate keys.
	MaxTitleRunes = 100
	// MaxFileNameRunes caps attachment file names, extension included.
	MaxFileNameRunes = 150
)

// SanitizeName makes s safe as a single path element on common filesystems.
func SanitizeName(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .")
}

// NormalizeTitle returns the sanitized, length-capped form of a title. It is
// both the folder suffix and the duplicate-suppression key, so two titles that
// share their first MaxTitleRunes runes collide.
func NormalizeTitle(title string) string {
	return strings.TrimRight(truncateRunes(SanitizeName(title), MaxTitleRunes), " .")
}

// SanitizeFileName sanitizes an attachment name and keeps its extension when
// the name has to be shortened.
func SanitizeFileName(name string) string {
	name = SanitizeName(name)
	if name == "" {
		return ""
	}
	if utf8.RuneCountInString(name) <= MaxFileNameRunes {
		return name
	}
	ext := filepath.Ext(name)
	if utf8.RuneCountInString(ext) > 16 {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	return truncateRunes(stem, MaxFileNameRunes-utf8.RuneCountInString(ext)) + ext
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
