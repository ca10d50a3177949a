// Package rewrite implements FlowGate's request/response rewriter
// (§4.7): path and header mutation applied before a route's handler
// runs, plus response header mutation applied on the way out.
package rewrite

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/flowgate/flowgate/internal/config"
)

// compiledRegex pairs a compiled pattern with its replacement template.
type compiledRegex struct {
	find    *regexp.Regexp
	replace string
}

// Rewriter applies one route's rewrite attachment.
type Rewriter struct {
	stripPathPrefix string
	addPathPrefix   string
	stripPathSuffix string
	replacePath     string
	pathRegex       []compiledRegex
	substrs         []config.SubstrReplace

	requestHeadersSet  map[string]string
	requestHeadersAdd  map[string]string
	responseHeadersSet map[string]string
}

// New compiles a route's RewriteConfig into a Rewriter. A nil cfg yields
// a nil *Rewriter, which ApplyRequest/ApplyResponse treat as a no-op.
func New(cfg *config.RewriteConfig) (*Rewriter, error) {
	if cfg == nil {
		return nil, nil
	}
	rw := &Rewriter{
		stripPathPrefix:    cfg.StripPathPrefix,
		addPathPrefix:      cfg.AddPathPrefix,
		stripPathSuffix:    cfg.StripPathSuffix,
		replacePath:        cfg.ReplacePath,
		substrs:            cfg.URISubstring,
		requestHeadersSet:  cfg.RequestHeadersSet,
		requestHeadersAdd:  cfg.RequestHeadersAdd,
		responseHeadersSet: cfg.ResponseHeadersSet,
	}
	for _, pr := range cfg.PathRegex {
		re, err := regexp.Compile(pr.Find)
		if err != nil {
			return nil, fmt.Errorf("rewrite: compiling path_regex %q: %w", pr.Find, err)
		}
		rw.pathRegex = append(rw.pathRegex, compiledRegex{find: re, replace: pr.Replace})
	}
	return rw, nil
}

// ApplyRequest mutates r's path and headers in place, in the fixed
// order: strip prefix, add prefix, strip suffix, replace path,
// substring replacements, regex replacements, then header mutations.
// Operations are applied in the URL-decoded path space, matching the
// teacher's rewrite handler semantics.
func (rw *Rewriter) ApplyRequest(r *http.Request) {
	if rw == nil {
		return
	}
	path := r.URL.Path

	if rw.stripPathPrefix != "" {
		path = strings.TrimPrefix(path, rw.stripPathPrefix)
	}
	if rw.addPathPrefix != "" {
		path = rw.addPathPrefix + path
	}
	if rw.stripPathSuffix != "" {
		path = strings.TrimSuffix(path, rw.stripPathSuffix)
	}
	if rw.replacePath != "" {
		path = rw.replacePath
	}
	for _, s := range rw.substrs {
		limit := s.Limit
		if limit <= 0 {
			limit = -1
		}
		path = strings.Replace(path, s.Find, s.Replace, limit)
	}
	for _, pr := range rw.pathRegex {
		path = pr.find.ReplaceAllString(path, pr.replace)
	}
	if path != r.URL.Path {
		r.URL.Path = cleanPath(path)
	}

	for k, v := range rw.requestHeadersSet {
		r.Header.Set(k, v)
	}
	for k, v := range rw.requestHeadersAdd {
		r.Header.Add(k, v)
	}
}

// ApplyResponse sets response headers configured for the response phase
// of the pipeline (§4.3).
func (rw *Rewriter) ApplyResponse(h http.Header) {
	if rw == nil {
		return
	}
	for k, v := range rw.responseHeadersSet {
		h.Set(k, v)
	}
}

// cleanPath resolves "." / ".." segments. A value that contains "//" is
// returned unchanged, so repeated slashes are preserved literally and
// never collapsed (matching the teacher's documented behavior for
// rewrites).
func cleanPath(p string) string {
	if strings.Contains(p, "//") {
		return p
	}
	if p == "" {
		return "/"
	}
	cleaned := "/" + strings.TrimPrefix(p, "/")
	segments := strings.Split(cleaned, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case ".":
			continue
		case "..":
			if len(out) > 1 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	result := strings.Join(out, "/")
	if result == "" {
		return "/"
	}
	return result
}
