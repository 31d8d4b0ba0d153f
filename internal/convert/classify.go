package convert

import "strings"

type Classification struct {
	IsHeicFamily bool
}

// Classify reports whether the declared media type or filename names a
// HEIC/HEIF source. It is informational only.
func Classify(mediaType, filename string) Classification {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	filename = strings.ToLower(filename)

	switch {
	case mediaType == "image/heic", mediaType == "image/heif":
		return Classification{IsHeicFamily: true}
	case strings.HasSuffix(filename, ".heic"), strings.HasSuffix(filename, ".heif"):
		return Classification{IsHeicFamily: true}
	default:
		return Classification{}
	}
}
