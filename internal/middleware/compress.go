package middleware

import (
	"bufio"
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowgate/flowgate/internal/config"
)

// Compressor gzip-encodes responses for clients that advertise support,
// grounded on the teacher corpus's gzip response-writer wrapper pattern
// (aofei-air's gases.Gzip): swap in a gzip.Writer only when the client
// sent "gzip" in Accept-Encoding.
type Compressor struct {
	types   map[string]struct{}
	minSize int
}

// NewCompressor builds a Compressor from the global Compression policy.
// A nil or disabled cfg yields a nil *Compressor, and Wrap becomes a
// no-op passthrough.
func NewCompressor(cfg config.Compression) *Compressor {
	if !cfg.Enabled {
		return nil
	}
	c := &Compressor{minSize: cfg.MinSize}
	if len(cfg.Types) > 0 {
		c.types = make(map[string]struct{}, len(cfg.Types))
		for _, t := range cfg.Types {
			c.types[t] = struct{}{}
		}
	}
	return c
}

// Wrap returns next unchanged if c is nil, otherwise a handler that
// gzip-encodes the response body when the client accepts it.
func (c *Compressor) Wrap(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gw := gzip.NewWriter(w)
		defer gw.Close()
		grw := &gzipResponseWriter{Writer: gw, ResponseWriter: w, compressor: c}
		next.ServeHTTP(grw, r)
	})
}

func (c *Compressor) allowsType(contentType string) bool {
	if len(c.types) == 0 {
		return true
	}
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	_, ok := c.types[strings.TrimSpace(ct)]
	return ok
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	compressor  *Compressor
	wroteHeader bool
	bypassed    bool
}

func (grw *gzipResponseWriter) WriteHeader(status int) {
	if grw.wroteHeader {
		return
	}
	grw.wroteHeader = true

	ct := grw.Header().Get("Content-Type")
	cl := grw.Header().Get("Content-Length")
	sizeOK := true
	if grw.compressor.minSize > 0 && cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n < grw.compressor.minSize {
			sizeOK = false
		}
	}
	if !grw.compressor.allowsType(ct) || !sizeOK {
		grw.bypassed = true
		grw.ResponseWriter.WriteHeader(status)
		return
	}
	grw.Header().Del("Content-Length")
	grw.Header().Set("Content-Encoding", "gzip")
	grw.ResponseWriter.WriteHeader(status)
}

func (grw *gzipResponseWriter) Write(b []byte) (int, error) {
	if !grw.wroteHeader {
		if grw.Header().Get("Content-Type") == "" {
			grw.Header().Set("Content-Type", http.DetectContentType(b))
		}
		grw.WriteHeader(http.StatusOK)
	}
	if grw.bypassed {
		return grw.ResponseWriter.Write(b)
	}
	return grw.Writer.Write(b)
}

func (grw *gzipResponseWriter) Flush() {
	if f, ok := grw.Writer.(*gzip.Writer); ok {
		_ = f.Flush()
	}
	if f, ok := grw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (grw *gzipResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return grw.ResponseWriter.(http.Hijacker).Hijack()
}
