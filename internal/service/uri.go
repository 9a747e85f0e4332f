package service

import (
	"fmt"
	"net/url"
)

// BuildURI rewrites an inbound path and query onto the upstream base URL.
// Scheme, host and port come from base; any path or query on base is
// replaced. The path is used as given (no cleaning or re-escaping).
func BuildURI(base *url.URL, path, rawQuery string) (string, error) {
	if path == "" {
		path = "/"
	}

	target := base.Scheme + "://" + base.Host + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	if _, err := url.Parse(target); err != nil {
		return "", fmt.Errorf("%w: %w", ErrURIConstruction, err)
	}
	return target, nil
}
