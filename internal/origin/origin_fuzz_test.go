package origin

import (
	"net/url"
	"strings"
	"testing"
)

func FuzzNormalizeHeader(f *testing.F) {
	for _, seed := range []string{
		"HTTPS://Example.COM:443",
		"http://localhost:3000",
		"http://[::FFFF:192.0.2.1]",
		"null",
		"",
		"   ",
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com?query",
		"https://example.com,https://evil.example.com",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, originHeader string) {
		normalized, host, ok := NormalizeHeader(originHeader)
		if !ok {
			return
		}
		if normalized == "null" {
			if host != "" {
				t.Fatalf("null origin must have empty host, got %q", host)
			}
			return
		}
		if strings.ContainsAny(normalized, " \t\r\n?#") || strings.ContainsAny(host, "/?#") {
			t.Fatalf("normalized origin has unexpected characters: origin=%q host=%q", normalized, host)
		}

		u, err := url.Parse(normalized)
		if err != nil {
			t.Fatalf("url.Parse(%q): %v", normalized, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host != host {
			t.Fatalf("normalized origin %q parsed as scheme=%q host=%q, want host %q", normalized, u.Scheme, u.Host, host)
		}

		again, againHost, ok := NormalizeHeader(normalized)
		if !ok || again != normalized || againHost != host {
			t.Fatalf("NormalizeHeader not idempotent: input=%q ok=%v normalized=%q host=%q", normalized, ok, again, againHost)
		}
	})
}

func FuzzCheckRequest(f *testing.F) {
	f.Add("https://app.example.com", "app.example.com:443", "")
	f.Add("null", "app.example.com", "null")
	f.Add("https://good.example.com", "relay.example.com", "*")
	f.Add("", "relay.example.com", "https://app.example.com")

	f.Fuzz(func(t *testing.T, originHeader, requestHost, allowedList string) {
		var allowed []string
		if allowedList != "" {
			allowed = strings.SplitN(allowedList, ",", 8)
		}
		got := CheckRequest(originHeader, requestHost, allowed)

		if strings.TrimSpace(originHeader) == "" && !got {
			t.Fatalf("missing Origin must be accepted")
		}
		if _, _, ok := NormalizeHeader(originHeader); ok && !CheckRequest(originHeader, requestHost, []string{Wildcard}) {
			t.Fatalf("wildcard must accept valid origin %q", originHeader)
		}
	})
}
