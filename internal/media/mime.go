package media

import (
	"path/filepath"
	"strings"
)

// mimeExtensions maps common media mime types to the extension used when
// synthesizing upload filenames. Unknown types fall back to "bin".
var mimeExtensions = map[string]string{
	"image/png":       "png",
	"image/jpeg":      "jpg",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"image/svg+xml":   "svg",
	"image/avif":      "avif",
	"audio/mpeg":      "mp3",
	"audio/wav":       "wav",
	"audio/ogg":       "ogg",
	"audio/mp4":       "m4a",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"video/quicktime": "mov",
	"application/pdf": "pdf",
	"text/plain":      "txt",
	"text/markdown":   "md",
	"application/zip": "zip",
}

var extensionMimes = map[string]string{}

func init() {
	for mt, ext := range mimeExtensions {
		extensionMimes[ext] = mt
	}
	// Aliases the forward table collapses.
	extensionMimes["jpeg"] = "image/jpeg"
}

// ExtensionForMime returns the filename extension (without dot) for a mime
// type, ignoring any parameters ("image/png; charset=binary"). Unknown
// types return "bin".
func ExtensionForMime(mimeType string) string {
	base := strings.TrimSpace(mimeType)
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if ext, ok := mimeExtensions[strings.ToLower(base)]; ok {
		return ext
	}
	return "bin"
}

// MimeForExtension returns the mime type for a filename extension (with or
// without leading dot). Unknown extensions return
// "application/octet-stream".
func MimeForExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if mt, ok := extensionMimes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}

// NormalizeID derives a media id from a filename by stripping the
// extension. "cover.png" and "cover.jpg" alias to the same id; callers that
// care must not reuse basenames across types.
func NormalizeID(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}
