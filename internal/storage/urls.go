package storage

import "strings"

// URLResolver turns storage keys into URLs clients can fetch.
type URLResolver struct {
	base string
}

func NewURLResolver(baseURL string) URLResolver {
	return URLResolver{base: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

// PublicURL resolves key against the base URL. Absolute http(s) and data
// URLs are returned unchanged; keys escaping the storage root resolve to "".
func (r URLResolver) PublicURL(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:") {
		return key
	}
	clean, err := sanitizeKey(key)
	if err != nil {
		return ""
	}
	return r.base + "/" + clean
}
