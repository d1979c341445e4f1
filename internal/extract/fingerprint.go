package extract

import (
	"net/url"
	"regexp"
)

// contentID matches the content-derived identifier embedded in playable
// references: either a UUID or a long hex digest path segment.
var contentID = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}|[0-9a-f]{16,}`)

// fingerprintParams are query parameters known to carry the content id.
var fingerprintParams = []string{"asset", "id", "content"}

// Fingerprint parses a content-derived identifier out of a playable
// reference. The same artifact can be served from different URLs, so dedup
// keys off this value rather than the reference string. Falls back to the
// raw reference when nothing recognizable is present, which still
// deduplicates exact re-observations.
func Fingerprint(ref string) string {
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil {
		q := u.Query()
		for _, k := range fingerprintParams {
			if v := q.Get(k); v != "" {
				return v
			}
		}
		if m := contentID.FindString(u.Path); m != "" {
			return m
		}
	}
	if m := contentID.FindString(ref); m != "" {
		return m
	}
	return ref
}
