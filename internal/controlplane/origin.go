package controlplane

import (
	"net/url"
	"strings"
)

type localOrigin struct {
	scheme string
	host   string
}

var localOrigins = []localOrigin{
	{scheme: "http", host: "localhost"},
	{scheme: "http", host: "127.0.0.1"},
	{scheme: "https", host: "localhost"},
}

// originChecker allows requests without an Origin header, loopback origins
// and the configured web URL.
func originChecker(webURL string) func(string) bool {
	var allowed *url.URL
	if u, err := url.Parse(strings.TrimSpace(webURL)); err == nil && u.Host != "" {
		allowed = u
	}
	return func(origin string) bool {
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if allowed != nil && u.Scheme == allowed.Scheme && u.Host == allowed.Host {
			return true
		}
		for _, o := range localOrigins {
			if u.Scheme == o.scheme && u.Hostname() == o.host {
				return true
			}
		}
		return false
	}
}
