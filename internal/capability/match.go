package capability

import "strings"

// platformFamily maps a concrete platform to the family it belongs to.
// A request for the family name is satisfied by any member.
var platformFamily = map[string]string{
	"xp":            "windows",
	"vista":         "windows",
	"win7":          "windows",
	"win8":          "windows",
	"win8_1":        "windows",
	"win10":         "windows",
	"snow_leopard":  "mac",
	"mountain_lion": "mac",
	"mavericks":     "mac",
	"yosemite":      "mac",
	"el_capitan":    "mac",
	"sierra":        "mac",
	"linux":         "unix",
	"android":       "linux",
}

// Family returns the family of a concrete platform, or "" when it has none.
func Family(platform string) string {
	return platformFamily[strings.ToLower(platform)]
}

// IsWildcard reports whether a requested value accepts anything.
func IsWildcard(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "any", "*":
		return true
	}
	return false
}

// Matches reports whether offered satisfies requested. Only browser name,
// version and platform constrain the match; every other requested attribute
// is ignored here.
func Matches(requested, offered Capability) bool {
	checks := []struct {
		key       string
		want, got string
	}{
		{KeyBrowserName, requested.BrowserName, offered.BrowserName},
		{KeyVersion, requested.Version, offered.Version},
		{KeyPlatform, requested.Platform, offered.Platform},
	}
	for _, c := range checks {
		if IsWildcard(c.want) {
			continue
		}
		want := strings.ToLower(c.want)
		if c.key == KeyPlatform && Family(c.got) == want {
			continue
		}
		if c.got == "" || strings.ToLower(c.got) != want {
			return false
		}
	}
	return true
}

// First returns the first offer satisfying requested.
func First(requested Capability, offers []Capability) (Capability, bool) {
	for _, o := range offers {
		if Matches(requested, o) {
			return o, true
		}
	}
	return Capability{}, false
}
