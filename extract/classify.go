package extract

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Classify decides the kind of a part, by filename extension first and by
// declared content type second. ok is false for anything outside the allow-list.
func Classify(filename, contentType string) (kind model.Kind, ok bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return model.KindDocument, true
	case ".png":
		return model.KindImage, true
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return model.KindDocument, true
	case strings.Contains(ct, "png"):
		return model.KindImage, true
	}
	return "", false
}

// Rename returns the delivery filename. Unnamed parts get
// attachment_<uid>_<n><ext>; a name whose extension does not match its kind
// has the extension replaced.
func Rename(filename string, kind model.Kind, uid uint32, n int) string {
	ext := kind.Ext()
	if filename == "" {
		return fmt.Sprintf("attachment_%d_%d%s", uid, n, ext)
	}
	current := filepath.Ext(filename)
	if strings.EqualFold(current, ext) {
		return filename
	}
	return strings.TrimSuffix(filename, current) + ext
}

func cleanFilename(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
