// Package router maps request paths to backends by longest prefix match.
package router

import (
	"errors"
	"sort"
	"strings"

	"github.com/hospitalcore/gateway/internal/config"
)

// ErrNoRoute is returned when no route prefix matches the request path.
var ErrNoRoute = errors.New("router: no route")

// Route is a resolved routing rule.
type Route struct {
	Prefix      string
	Backend     string
	StripPrefix bool
	Rewrite     string
}

// Match is the result of resolving a request path.
type Match struct {
	Route *Route
	// Path is the outbound path after prefix stripping or rewriting.
	Path string
}

// Router resolves request paths against a static route table. The table is
// fixed for the router's lifetime; configuration reloads build a new Router.
type Router struct {
	// Sorted by descending prefix length so the first segment-boundary
	// match is the longest.
	routes []*Route
}

// New builds a router from configuration routes.
func New(routes []config.RouteConfig) *Router {
	r := &Router{routes: make([]*Route, 0, len(routes))}
	for _, rc := range routes {
		r.routes = append(r.routes, &Route{
			Prefix:      strings.TrimSuffix(rc.Prefix, "/"),
			Backend:     rc.Backend,
			StripPrefix: rc.StripPrefix,
			Rewrite:     rc.Rewrite,
		})
	}
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].Prefix) > len(r.routes[j].Prefix)
	})
	return r
}

// Resolve finds the longest route prefix matching path at a segment
// boundary and returns the match with the outbound path applied.
func (r *Router) Resolve(path string) (*Match, error) {
	for _, route := range r.routes {
		rest, ok := matchPrefix(path, route.Prefix)
		if !ok {
			continue
		}
		out := path
		switch {
		case route.StripPrefix:
			out = rest
		case route.Rewrite != "":
			out = strings.TrimSuffix(route.Rewrite, "/") + rest
		}
		if out == "" {
			out = "/"
		}
		return &Match{Route: route, Path: out}, nil
	}
	return nil, ErrNoRoute
}

// Routes returns the route table in match order.
func (r *Router) Routes() []*Route {
	routes := make([]*Route, len(r.routes))
	copy(routes, r.routes)
	return routes
}

// matchPrefix reports whether path falls under prefix at a segment boundary
// and returns the remainder. "/api/patients" matches "/api/patients" and
// "/api/patients/123" but not "/api/patientsx".
func matchPrefix(path, prefix string) (rest string, ok bool) {
	if prefix == "" {
		return path, true
	}
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest = path[len(prefix):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}
