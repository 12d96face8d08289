package content

import "testing"

func TestParseRobots(t *testing.T) {
	body := []byte(`
# comment
User-agent: SomeOtherBot
Disallow: /everything

User-agent: *
Disallow: /search
Disallow: /private
`)

	rules := parseRobots(body, DefaultUserAgent)

	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/paper/123", true},
		{"/search", false},
		{"/search.json", false},
		{"/search/anything", false},
		{"/private/x", false},
		{"/everything", true},
	}
	for _, tt := range tests {
		if got := rules.allowed(tt.path); got != tt.want {
			t.Errorf("allowed(%q) = %t, want %t", tt.path, got, tt.want)
		}
	}
}

func TestParseRobotsEmptyDisallowAllowsAll(t *testing.T) {
	rules := parseRobots([]byte("User-agent: *\nDisallow:\n"), DefaultUserAgent)
	if !rules.allowed("/anything") {
		t.Fatal("empty Disallow must allow everything")
	}
}

func TestRobotsNormalizePath(t *testing.T) {
	if got := normalizePath(""); got != "/" {
		t.Fatalf("normalizePath(\"\") = %q", got)
	}
	if got := normalizePath("search"); got != "/search" {
		t.Fatalf("normalizePath(\"search\") = %q", got)
	}
}

func TestNilRulesAllow(t *testing.T) {
	var rules *robotsRules
	if !rules.allowed("/x") {
		t.Fatal("nil rules must allow")
	}
}
