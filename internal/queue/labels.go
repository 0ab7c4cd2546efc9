package queue

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DeriveLabel builds a presentable label from a source path when the caller
// did not supply one. Device nodes and cartridge dumps both reduce to their
// final path element.
func DeriveLabel(sourcePath string) string {
	if sourcePath == "" {
		return "Unlabeled Backup"
	}
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	cleaned := strings.Builder{}
	prevSpace := false
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	label := strings.TrimSpace(cleaned.String())
	if label == "" {
		return "Unlabeled Backup"
	}
	return cases.Title(language.Und).String(label)
}
