package constants

import (
	"net/url"
	"path"
	"strings"
)

// MimeTypes maps file extensions to their corresponding MIME types
var MimeTypes = map[string]string{
	// Image formats
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",

	// Video formats
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",

	// Document formats
	".pdf": "application/pdf",
	".txt": "text/plain",

	// Audio formats
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"

// MimeTypeForURL guesses a MIME type from the extension of an upload URL.
func MimeTypeForURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	if mt, ok := MimeTypes[strings.ToLower(path.Ext(p))]; ok {
		return mt
	}
	return DefaultMimeType
}
