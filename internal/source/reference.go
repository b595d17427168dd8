package source

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/recapd/recapd/internal/apperr"
)

// Upstream video IDs are exactly 11 characters of this alphabet.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Normalize validates a user-supplied reference and reduces it to the
// canonical video ID. Accepted shapes:
//
//	https://www.youtube.com/watch?v=<id>
//	https://youtube.com/shorts/<id>
//	https://youtu.be/<id>
//	<id>                               (bare 11-character ID)
//
// Anything else fails with INVALID_REFERENCE.
func Normalize(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", apperr.InvalidReference(reference)
	}

	if idPattern.MatchString(ref) {
		return ref, nil
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", apperr.InvalidReference(reference)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var id string
	switch host {
	case "youtube.com", "m.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		}
	case "youtu.be":
		id = strings.TrimPrefix(u.Path, "/")
	}

	id = strings.TrimSuffix(id, "/")
	if !idPattern.MatchString(id) {
		return "", apperr.InvalidReference(reference)
	}
	return id, nil
}

// WatchURL returns the canonical watch URL for a video ID.
func WatchURL(canonicalID string) string {
	return "https://www.youtube.com/watch?v=" + canonicalID
}
