package builder

import (
	"errors"
	"regexp"
)

var (
	invalidImageChars = regexp.MustCompile(`[^a-zA-Z0-9_./-]`)
	leadingSeparators = regexp.MustCompile(`^[.-]+`)
	trailingSeparator = regexp.MustCompile(`[.-]+$`)
	repeatedDashes    = regexp.MustCompile(`-+`)
)

const maxImageReferenceLength = 128

// SanitizeImageName turns name and tag into a reference accepted by image
// builders: invalid characters become dashes, leading and trailing dots and
// dashes are dropped, dash runs collapse, and the name is truncated so the
// whole reference fits in 128 characters.
func SanitizeImageName(name, tag string) (string, error) {
	if tag == "" {
		tag = "latest"
	}
	name = sanitizeReferencePart(name)
	tag = sanitizeReferencePart(tag)
	tagLength := len(tag) + 1
	if tagLength >= maxImageReferenceLength {
		return "", errors.New("tag is too long, no room for the image name in the 128 character limit")
	}
	if limit := maxImageReferenceLength - tagLength; len(name) > limit {
		name = name[:limit]
	}
	return name + ":" + tag, nil
}

func sanitizeReferencePart(s string) string {
	s = invalidImageChars.ReplaceAllString(s, "-")
	s = leadingSeparators.ReplaceAllString(s, "")
	s = trailingSeparator.ReplaceAllString(s, "")
	return repeatedDashes.ReplaceAllString(s, "-")
}
