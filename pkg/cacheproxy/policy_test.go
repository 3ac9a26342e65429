package cacheproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/txtcache/pkg/httpmsg"
)

func TestCacheKey(t *testing.T) {
	cases := []struct {
		target, want string
	}{
		{"/a.txt", "/a.txt"},
		{"/docs/../a.txt", "/a.txt"},
		{"/a.txt?v=1", "/a.txt?v=1"},
		{"http://example.com/a.txt", "http://example.com/a.txt"},
		{"HTTP://Example.COM:80/a.txt", "http://example.com/a.txt"},
		{"http://example.com:8080/a.txt", "http://example.com:8080/a.txt"},
		{"http://example.com", "http://example.com/"},
		{"http://[::1]:8080/a.txt", "http://[::1]:8080/a.txt"},
		{"/dir/", "/dir"},
	}
	for _, c := range cases {
		got, err := CacheKey(c.target)
		require.NoError(t, err, c.target)
		assert.Equal(t, c.want, got, c.target)
	}

	// same input, same key
	a, _ := CacheKey("/x/y.txt")
	b, _ := CacheKey("/x/y.txt")
	assert.Equal(t, a, b)

	for _, bad := range []string{"", "*", "example.com:443", "%zz"} {
		_, err := CacheKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestDefaultPolicy(t *testing.T) {
	cases := []struct {
		method, target string
		want           bool
	}{
		{"GET", "/a.txt", true},
		{"GET", "/A.TXT", true},
		{"GET", "/a.txt?download=1", true},
		{"GET", "http://example.com/notes/readme.txt", true},
		{"GET", "/b.html", false},
		{"GET", "/txt", false},
		{"GET", "/a.txt.gz", false},
		{"HEAD", "/a.txt", false},
		{"POST", "/a.txt", false},
		{"CONNECT", "example.com:443", false},
	}
	for _, c := range cases {
		req := &httpmsg.Request{Method: c.method, Target: c.target, Version: "HTTP/1.1"}
		assert.Equal(t, c.want, DefaultPolicy.Cacheable(req), "%s %s", c.method, c.target)
	}
}

func TestPolicyFunc(t *testing.T) {
	p := PolicyFunc(func(req *httpmsg.Request) bool { return req.Method == "GET" })
	assert.True(t, p.Cacheable(&httpmsg.Request{Method: "GET"}))
	assert.False(t, p.Cacheable(&httpmsg.Request{Method: "PUT"}))
}
