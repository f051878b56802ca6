package helpers

import (
	"net/url"
	"path"
	"strings"
)

var (
	imageExtensions = wordSet(".jpg", ".jpeg", ".jpe", ".jfif", ".pjpeg", ".pjp", ".png", ".gif",
		".bmp", ".tif", ".tiff", ".webp", ".heic", ".heif", ".svg", ".ico", ".avif")
	videoExtensions = wordSet(".mp4", ".mov", ".mkv", ".webm", ".avi", ".wmv", ".flv", ".mpeg",
		".mpg", ".m4v", ".3gp", ".ogv", ".ts")
	audioExtensions = wordSet(".mp3", ".wav", ".aac", ".flac", ".ogg", ".oga", ".wma", ".m4a",
		".opus", ".aiff", ".alac")
	archiveExtensions = wordSet(".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz", ".cbz", ".cbr")
)

// Ext returns the lower-cased extension of a filename or URL path, ignoring any query string.
func Ext(name string) string {
	if u, err := url.Parse(name); err == nil && u.Scheme != "" {
		name = u.Path
	}
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(path.Ext(name))
}

func hasExt(set map[string]struct{}, name string) bool {
	_, ok := set[Ext(name)]
	return ok
}

func IsImage(name string) bool   { return hasExt(imageExtensions, name) }
func IsVideo(name string) bool   { return hasExt(videoExtensions, name) }
func IsAudio(name string) bool   { return hasExt(audioExtensions, name) }
func IsArchive(name string) bool { return hasExt(archiveExtensions, name) }
func IsZip(name string) bool     { return Ext(name) == ".zip" }
func IsRar(name string) bool     { return Ext(name) == ".rar" }
