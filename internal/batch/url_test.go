package batch

import "testing"

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Path", "https://example.com/Path"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"drops fragment", "https://example.com/a#section", "https://example.com/a"},
		{"sorts query params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"trims whitespace", "  https://example.com/a ", "https://example.com/a"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			if err != nil {
				t.Fatalf("NormalizeURL(%q) error = %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeURLRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"ftp://example.com/file", "not a url at all://", "/relative/path", "https://"} {
		if _, err := NormalizeURL(in); err == nil {
			t.Fatalf("NormalizeURL(%q) expected error", in)
		}
	}
}

func TestDestinationKeyIsPureFunctionOfHost(t *testing.T) {
	t.Parallel()

	a, err := DestinationKey("https://example.com/one")
	if err != nil {
		t.Fatalf("DestinationKey error = %v", err)
	}
	b, err := DestinationKey("https://example.com:8443/two?x=1")
	if err != nil {
		t.Fatalf("DestinationKey error = %v", err)
	}
	if a != "example.com" || b != "example.com" {
		t.Fatalf("expected shared key example.com, got %q and %q", a, b)
	}
}
