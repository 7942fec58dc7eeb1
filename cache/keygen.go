package cache

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key builds a stable cache key from method, base URL, path and query
// parameters. Two logically identical requests always produce the same key
// regardless of parameter ordering, because parameters are sorted before
// joining.
func Key(method, baseURL, path string, params url.Values) string {
	var parts []string
	for k, vs := range params {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	sort.Strings(parts)

	key := strings.ToUpper(method) + "|" + EndpointPrefix(baseURL, path)
	if len(parts) > 0 {
		key += "?" + strings.Join(parts, "&")
	}

	// Very long keys (huge search strings, wide field selections) are hashed
	// so downstream stores never deal with unbounded identifiers.
	if len(key) > 200 {
		hash := md5.Sum([]byte(key))
		return fmt.Sprintf("%s|%s?q_%x", strings.ToUpper(method), EndpointPrefix(baseURL, path), hash)
	}

	return key
}

// EndpointPrefix returns the key portion shared by every request against an
// endpoint, used for invalidation after mutations. Hashed long keys keep this
// prefix, so prefix invalidation still reaches them.
func EndpointPrefix(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.Trim(path, "/")
}

// ReadPrefix returns the invalidation prefix covering cached reads for an
// endpoint. Only GET responses are cached, so the method is fixed.
func ReadPrefix(baseURL, path string) string {
	return "GET|" + EndpointPrefix(baseURL, path)
}
