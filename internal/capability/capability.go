// Package capability describes what a worker offers and what a client asks for,
// and decides whether an offer satisfies a request.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known attribute keys. Matching compares them case-insensitively.
const (
	KeyBrowserName = "browsername"
	KeyVersion     = "version"
	KeyPlatform    = "platform"
	KeyProtocol    = "seleniumprotocol"
	KeyMaxInstance = "maxinstances"

	// KeyIdleTimeout and KeyMaxDuration let a request override the hub's
	// session timeouts, expressed in seconds.
	KeyIdleTimeout = "idletimeout"
	KeyMaxDuration = "maxduration"

	// KeyClientKey and KeyClientSecret carry the remote fallback credential.
	KeyClientKey    = "client_key"
	KeyClientSecret = "client_secret"
)

// Capability is a set of attributes a worker advertises or a client requests.
// The matched attributes have their own fields; everything else is carried
// verbatim in Extra.
type Capability struct {
	BrowserName  string            `json:"browserName,omitempty"`
	Version      string            `json:"version,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	Protocol     string            `json:"seleniumProtocol,omitempty"`
	MaxInstances int               `json:"maxInstances,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// FromMap builds a Capability from a decoded JSON object. Keys of the
// well-known attributes are recognised in any letter case; numbers are
// rendered the way JavaScript prints them so a version of 14 becomes "14".
func FromMap(m map[string]any) Capability {
	c := Capability{Extra: make(map[string]string)}
	for k, v := range m {
		if v == nil {
			continue
		}
		s := Stringify(v)
		switch strings.ToLower(k) {
		case KeyBrowserName:
			c.BrowserName = s
		case KeyVersion:
			c.Version = s
		case KeyPlatform:
			c.Platform = s
		case KeyProtocol:
			c.Protocol = s
		case KeyMaxInstance:
			if n, err := strconv.Atoi(s); err == nil {
				c.MaxInstances = n
			}
		default:
			c.Extra[k] = s
		}
	}
	return c
}

// FromStrings builds a Capability from flat string pairs, as the legacy
// dialect delivers them.
func FromStrings(m map[string]string) Capability {
	in := make(map[string]any, len(m))
	for k, v := range m {
		in[k] = v
	}
	return FromMap(in)
}

// Stringify renders a decoded JSON value as a plain string.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Get returns an attribute by case-insensitive key.
func (c Capability) Get(key string) string {
	switch strings.ToLower(key) {
	case KeyBrowserName:
		return c.BrowserName
	case KeyVersion:
		return c.Version
	case KeyPlatform:
		return c.Platform
	case KeyProtocol:
		return c.Protocol
	case KeyMaxInstance:
		if c.MaxInstances == 0 {
			return ""
		}
		return strconv.Itoa(c.MaxInstances)
	}
	if v, ok := c.Extra[key]; ok {
		return v
	}
	for k, v := range c.Extra {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// With returns a copy of c with an extra attribute set.
func (c Capability) With(key, value string) Capability {
	out := c.Clone()
	out.Extra[key] = value
	return out
}

// Clone returns a deep copy.
func (c Capability) Clone() Capability {
	out := c
	out.Extra = make(map[string]string, len(c.Extra))
	for k, v := range c.Extra {
		out.Extra[k] = v
	}
	return out
}

// Pairs flattens the capability into lower-cased well-known keys plus the
// extras, sorted by key.
func (c Capability) Pairs() [][2]string {
	var out [][2]string
	add := func(k, v string) {
		if v != "" {
			out = append(out, [2]string{k, v})
		}
	}
	add(KeyBrowserName, c.BrowserName)
	add(KeyVersion, c.Version)
	add(KeyPlatform, c.Platform)
	add(KeyProtocol, c.Protocol)
	if c.MaxInstances > 0 {
		add(KeyMaxInstance, strconv.Itoa(c.MaxInstances))
	}
	for k, v := range c.Extra {
		add(k, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Seconds reads an integer attribute expressed in seconds. ok is false when the
// attribute is absent or not a number.
func (c Capability) Seconds(key string) (int, bool) {
	v := strings.TrimSpace(c.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c Capability) String() string {
	parts := make([]string, 0, 4)
	for _, p := range c.Pairs() {
		if p[0] == KeyClientSecret {
			continue
		}
		parts = append(parts, p[0]+"="+p[1])
	}
	return strings.Join(parts, ";")
}
