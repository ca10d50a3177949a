// Package accesslog implements FlowGate's access-log output (§6.5, §9)
// in the common (NCSA), combined, and json formats.
package accesslog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one completed request's data, as measured by the server
// wrapper that calls Logger.Log.
type Entry struct {
	RemoteAddr   string
	Time         time.Time
	Method       string
	URI          string
	Proto        string
	Status       int
	BytesOut     int64
	Referer      string
	UserAgent    string
	Duration     time.Duration
	RequestID    string
	Route        string
	Upstream     string
}

// Logger writes Entry values to an underlying writer in one of the
// three supported formats. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

// New builds a Logger writing to w in the named format ("common",
// "combined", or "json"); an unrecognized format falls back to
// "common".
func New(w io.Writer, format string) *Logger {
	return &Logger{w: w, format: format}
}

// NewRequestID generates a request identifier suitable for the
// "request_id" json field and for X-Request-Id propagation.
func NewRequestID() string {
	return uuid.NewString()
}

// Log writes one entry in the logger's configured format.
func (l *Logger) Log(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.format {
	case "json":
		l.writeJSON(e)
	case "combined":
		l.writeLine(e, true)
	default:
		l.writeLine(e, false)
	}
}

// writeLine writes NCSA common (or combined, when withExtra is true)
// log lines:
//
//	remote - - [time] "METHOD uri proto" status bytes
//	         "referer" "user-agent"   (combined only)
func (l *Logger) writeLine(e Entry, withExtra bool) {
	line := fmt.Sprintf(`%s - - [%s] "%s %s %s" %d %d`,
		orDash(e.RemoteAddr),
		e.Time.Format("02/Jan/2006:15:04:05 -0700"),
		e.Method, e.URI, e.Proto,
		e.Status, e.BytesOut,
	)
	if withExtra {
		line += fmt.Sprintf(` "%s" "%s"`, orDash(e.Referer), orDash(e.UserAgent))
	}
	_, _ = fmt.Fprintln(l.w, line)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// jsonEntry is the field set written for the json access-log format.
type jsonEntry struct {
	Timestamp  string `json:"timestamp"`
	RequestID  string `json:"request_id"`
	RemoteAddr string `json:"remote_addr"`
	Method     string `json:"method"`
	URI        string `json:"uri"`
	Proto      string `json:"proto"`
	Status     int    `json:"status"`
	BytesOut   int64  `json:"bytes_out"`
	DurationMS float64 `json:"duration_ms"`
	Route      string `json:"route,omitempty"`
	Upstream   string `json:"upstream,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

func (l *Logger) writeJSON(e Entry) {
	je := jsonEntry{
		Timestamp:  e.Time.UTC().Format(time.RFC3339Nano),
		RequestID:  e.RequestID,
		RemoteAddr: e.RemoteAddr,
		Method:     e.Method,
		URI:        e.URI,
		Proto:      e.Proto,
		Status:     e.Status,
		BytesOut:   e.BytesOut,
		DurationMS: float64(e.Duration.Microseconds()) / 1000.0,
		Route:      e.Route,
		Upstream:   e.Upstream,
		UserAgent:  e.UserAgent,
	}
	enc := json.NewEncoder(l.w)
	_ = enc.Encode(je)
}

// HeaderOrDefault pulls a header value used to populate Entry fields
// while building the wrapper in internal/server, returning "" when the
// header is absent. Exposed so the server package doesn't need its own
// string-default helper.
func HeaderOrDefault(h http.Header, key string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	return ""
}
