package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}

var LocaleKey = localeContextKey{}

// SupportedLocales lists the locales push messages are translated into. The
// first entry is the fallback.
var SupportedLocales = []language.Tag{language.English, language.Indonesian}

var localeMatcher = language.NewMatcher(SupportedLocales)

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// countryHeaders are set by CDNs and load balancers in front of the API.
var countryHeaders = []string{"CF-IPCountry", "X-Country-Code", "X-IP-Country", "X-Appengine-Country"}

// I18N stores the negotiated locale ("en" or "id") in the request context.
// X-Locale wins over Accept-Language. Without either header the client
// country decides (Indonesia gets "id"), then defaultLocale.
func I18N(defaultLocale string, lookup CountryLookup) func(http.Handler) http.Handler {
	fallback := NormalizeLocale(defaultLocale)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			locale := detectLocale(r, fallback, lookup)
			ctx := context.WithValue(r.Context(), LocaleKey, locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLocale(r *http.Request, fallback string, lookup CountryLookup) string {
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		return NormalizeLocale(v)
	}
	if v := strings.TrimSpace(r.Header.Get("Accept-Language")); v != "" {
		tags, _, err := language.ParseAcceptLanguage(v)
		if err == nil && len(tags) > 0 {
			_, idx, confidence := localeMatcher.Match(tags...)
			if confidence != language.No {
				return localeCode(idx)
			}
		}
	}
	switch country := resolveCountry(r, lookup); {
	case country == "ID":
		return "id"
	case country != "":
		return "en"
	}
	if fallback != "" {
		return fallback
	}
	return "en"
}

// resolveCountry prefers proxy-provided country headers and only then asks
// lookup about the client IP.
func resolveCountry(r *http.Request, lookup CountryLookup) string {
	for _, key := range countryHeaders {
		if v := strings.TrimSpace(r.Header.Get(key)); v != "" && !strings.EqualFold(v, "XX") {
			return strings.ToUpper(v)
		}
	}
	if lookup == nil {
		return ""
	}
	ip := clientIPForRateLimit(r)
	if ip == "" {
		return ""
	}
	country, err := lookup(ip)
	if err != nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(country))
}

// NormalizeLocale maps any BCP 47 tag onto a supported locale code.
func NormalizeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return "en"
	}
	_, idx, _ := localeMatcher.Match(tag)
	return localeCode(idx)
}

func localeCode(idx int) string {
	if idx < 0 || idx >= len(SupportedLocales) {
		return "en"
	}
	base, _ := SupportedLocales[idx].Base()
	return base.String()
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return "en"
}
