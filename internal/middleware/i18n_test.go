package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectLocale(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *http.Request)
		fallback string
		want     string
	}{
		{
			name: "x-locale overrides",
			setup: func(r *http.Request) {
				r.Header.Set("X-Locale", "ID")
				r.Header.Set("Accept-Language", "en-US")
			},
			want: "id",
		},
		{
			name: "accept-language used",
			setup: func(r *http.Request) {
				r.Header.Set("Accept-Language", "en-US,en;q=0.9")
			},
			want: "en",
		},
		{
			name: "accept-language id preference",
			setup: func(r *http.Request) {
				r.Header.Set("Accept-Language", "id-ID,en;q=0.8")
			},
			want: "id",
		},
		{
			name: "quality ordering respected",
			setup: func(r *http.Request) {
				r.Header.Set("Accept-Language", "en;q=0.2, id;q=0.9")
			},
			want: "id",
		},
		{
			name: "unsupported language uses fallback",
			setup: func(r *http.Request) {
				r.Header.Set("Accept-Language", "ja-JP")
			},
			fallback: "id",
			want:     "id",
		},
		{
			name:     "configured fallback",
			fallback: "id",
			want:     "id",
		},
		{
			name: "default to en",
			want: "en",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.setup != nil {
				tc.setup(req)
			}
			assert.Equal(t, tc.want, detectLocale(req, tc.fallback, nil))
		})
	}
}

func TestNormalizeLocale(t *testing.T) {
	assert.Equal(t, "", NormalizeLocale(" "))
	assert.Equal(t, "id", NormalizeLocale("id-ID"))
	assert.Equal(t, "en", NormalizeLocale("en-GB"))
	assert.Equal(t, "en", NormalizeLocale("!!"))
}

func TestI18NStoresLocale(t *testing.T) {
	var got string
	handler := I18N("en", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LocaleFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/stream", nil)
	req.Header.Set("Accept-Language", "id")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "id", got)
}

func TestLocaleFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "en", LocaleFromContext(ctx))
	ctx = context.WithValue(ctx, LocaleKey, "id")
	assert.Equal(t, "id", LocaleFromContext(ctx))
}

func TestDetectLocaleFallsBackToCountry(t *testing.T) {
	var asked []string
	lookup := func(ip string) (string, error) {
		asked = append(asked, ip)
		switch ip {
		case "103.10.0.1":
			return "id", nil
		case "8.8.8.8":
			return "US", nil
		}
		return "", errors.New("not found")
	}

	locale := func(remote string, headers map[string]string, fallback string) string {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return detectLocale(req, fallback, lookup)
	}

	if got := locale("103.10.0.1:5000", nil, "en"); got != "id" {
		t.Fatalf("indonesian ip: got %q, want id", got)
	}
	if got := locale("8.8.8.8:5000", nil, "id"); got != "en" {
		t.Fatalf("foreign ip: got %q, want en", got)
	}
	if got := locale("10.0.0.1:5000", nil, "id"); got != "id" {
		t.Fatalf("unknown ip: got %q, want configured fallback", got)
	}
	if got := locale("8.8.8.8:5000", map[string]string{"CF-IPCountry": "ID"}, "en"); got != "id" {
		t.Fatalf("country header: got %q, want id", got)
	}

	asked = nil
	if got := locale("103.10.0.1:5000", map[string]string{"Accept-Language": "en-US"}, "id"); got != "en" {
		t.Fatalf("accept-language must win over country, got %q", got)
	}
	if len(asked) != 0 {
		t.Fatalf("lookup called although a language header was present: %v", asked)
	}
}
