package cacheproxy

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/jnovack/txtcache/pkg/httpmsg"
)

// Policy decides whether a request is eligible for caching.
type Policy interface {
	Cacheable(req *httpmsg.Request) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(req *httpmsg.Request) bool

func (f PolicyFunc) Cacheable(req *httpmsg.Request) bool { return f(req) }

// ExtensionPolicy caches requests whose method is listed and whose target
// path ends in one of Extensions. Both comparisons ignore case.
type ExtensionPolicy struct {
	Methods    []string
	Extensions []string
}

// DefaultPolicy caches GET requests for .txt resources.
var DefaultPolicy = ExtensionPolicy{Methods: []string{"GET"}, Extensions: []string{".txt"}}

func (p ExtensionPolicy) Cacheable(req *httpmsg.Request) bool {
	if !containsFold(p.Methods, req.Method) {
		return false
	}
	u, err := parseTarget(req.Target)
	if err != nil {
		return false
	}
	return containsFold(p.Extensions, path.Ext(u.Path))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// CacheKey normalizes a request target into a cache key. Absolute-form
// targets become scheme://host[:port]/path[?query] with the scheme and host
// lower-cased and port 80 elided; origin-form targets become /path[?query].
// Paths are cleaned, so /a/../b.txt and /b.txt share a key.
//
// The Host header is not part of an origin-form key: GET /a.txt sent to two
// different hosts resolves to the same entry. Clients that need per-origin
// entries must use absolute-form targets.
func CacheKey(target string) (string, error) {
	u, err := parseTarget(target)
	if err != nil {
		return "", err
	}
	p := cleanPath(u.EscapedPath())
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if u.Host == "" {
		return p, nil
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") {
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	return scheme + "://" + host + p, nil
}

func parseTarget(target string) (*url.URL, error) {
	if target == "" || target == "*" {
		return nil, fmt.Errorf("target %q has no path", target)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(target, "/") && u.Host == "" {
		return nil, fmt.Errorf("target %q is neither origin nor absolute form", target)
	}
	return u, nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
