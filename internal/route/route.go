// Package route holds the immutable prefix routing table of the gateway.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrNoRoute is returned by Resolve when no configured prefix matches the path.
var ErrNoRoute = errors.New("no route matches request path")

// RewriteFunc maps an inbound request path to the path sent upstream.
type RewriteFunc func(path string) string

// Route maps a path prefix to a backend origin.
type Route struct {
	Name    string
	Prefix  string
	Target  *url.URL
	Rewrite RewriteFunc
}

// Matches reports whether path falls under the route prefix on a segment boundary.
func (r *Route) Matches(path string) bool {
	return matchPrefix(r.Prefix, path)
}

// RewritePath applies the route rewrite, falling back to the identity.
func (r *Route) RewritePath(path string) string {
	if r.Rewrite == nil {
		return path
	}
	return r.Rewrite(path)
}

// Table resolves request paths to routes. It is read-only after NewTable
// and safe for concurrent use.
type Table struct {
	// routes sorted by prefix length, longest first.
	routes []*Route
}

// NewTable validates routes and builds a Table. Duplicate prefixes are rejected.
func NewTable(routes ...Route) (*Table, error) {
	if len(routes) == 0 {
		return nil, errors.New("route table: at least one route is required")
	}

	seen := make(map[string]string, len(routes))
	t := &Table{routes: make([]*Route, 0, len(routes))}
	for i := range routes {
		r := routes[i]
		prefix, err := NormalizePrefix(r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("route table: route %q: %w", r.Name, err)
		}
		r.Prefix = prefix

		if r.Target == nil || r.Target.Host == "" {
			return nil, fmt.Errorf("route table: route %q: target origin is required", r.Name)
		}
		if r.Target.Scheme != "http" && r.Target.Scheme != "https" {
			return nil, fmt.Errorf("route table: route %q: target scheme must be http or https; got %q", r.Name, r.Target.Scheme)
		}
		if other, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("route table: prefix %q is declared by both %q and %q", prefix, other, r.Name)
		}
		seen[prefix] = r.Name

		if r.Name == "" {
			r.Name = prefix
		}
		t.routes = append(t.routes, &r)
	}

	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Prefix) > len(t.routes[j].Prefix)
	})
	return t, nil
}

// Resolve returns the route with the longest prefix matching path.
func (t *Table) Resolve(path string) (*Route, error) {
	if path == "" {
		path = "/"
	}
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, path)
}

// Routes returns the configured routes, longest prefix first.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Prefixes returns the configured prefixes, longest first.
func (t *Table) Prefixes() []string {
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.Prefix)
	}
	return out
}

// NormalizePrefix validates a prefix and trims a trailing slash ("/" stays "/").
func NormalizePrefix(prefix string) (string, error) {
	if prefix == "" || prefix[0] != '/' {
		return "", fmt.Errorf("prefix must start with '/'; got %q", prefix)
	}
	if strings.ContainsAny(prefix, "?#*") {
		return "", fmt.Errorf("prefix must be a literal path; got %q", prefix)
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
		if prefix == "" {
			prefix = "/"
		}
	}
	return prefix, nil
}

func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
