package cache

import (
	"net/http"
	"sort"
	"strings"
)

// Key builds a cache key for req given the Vary header list configured
// for this route (§4.8): method, host, path, query, and the value of
// each Vary header, in a stable order.
func Key(req *http.Request, vary []string) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte('|')
	b.WriteString(req.Host)
	b.WriteByte('|')
	b.WriteString(req.URL.Path)
	b.WriteByte('|')
	b.WriteString(req.URL.RawQuery)

	sorted := append([]string(nil), vary...)
	sort.Strings(sorted)
	for _, h := range sorted {
		b.WriteByte('|')
		b.WriteString(h)
		b.WriteByte('=')
		b.WriteString(req.Header.Get(h))
	}
	return b.String()
}
