package pipeline

import (
	"path"
	"strings"
)

const defaultExtension = ".mp4"

func extensionOf(locator string) string {
	ext := strings.ToLower(path.Ext(locator))
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return defaultExtension
	}
	return ext
}

func contentTypeForPath(locator string) string {
	switch extensionOf(locator) {
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".ts":
		return "video/mp2t"
	default:
		return "video/mp4"
	}
}
