package directory

import (
	"fmt"
	"strings"
)

// Service is one entry of the company directory: an internal extension and
// the spoken name callers use for it.
type Service struct {
	Extension string `json:"extension"`
	Name      string `json:"name"`
}

// Directory is the ordered list of services loaded at startup. It is
// immutable after Parse; order matters for intent matching ties.
type Directory struct {
	services []Service
}

// Parse builds a Directory from the SERVICES env format:
// comma-separated "extension:name" pairs, e.g. "101:Ventes,102:Support".
// Service names must be unique; extensions may repeat.
func Parse(raw string) (Directory, error) {
	var services []Service
	seen := map[string]struct{}{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ext, name, ok := strings.Cut(item, ":")
		if !ok {
			return Directory{}, fmt.Errorf("invalid service entry %q (want ext:name)", item)
		}
		ext = strings.TrimSpace(ext)
		name = strings.TrimSpace(name)
		if ext == "" || name == "" {
			return Directory{}, fmt.Errorf("invalid service entry %q (empty field)", item)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return Directory{}, fmt.Errorf("duplicate service name %q", name)
		}
		seen[key] = struct{}{}
		services = append(services, Service{Extension: ext, Name: name})
	}
	return Directory{services: services}, nil
}

// Services returns the directory entries in configured order.
func (d Directory) Services() []Service {
	out := make([]Service, len(d.services))
	copy(out, d.services)
	return out
}

func (d Directory) Len() int { return len(d.services) }

// Match returns the first service whose name appears, case-insensitively, as
// a substring of text. Ties are broken by directory order.
func (d Directory) Match(text string) (Service, bool) {
	lower := strings.ToLower(text)
	for _, s := range d.services {
		if strings.Contains(lower, strings.ToLower(s.Name)) {
			return s, true
		}
	}
	return Service{}, false
}
