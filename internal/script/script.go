// Package script implements FlowGate's embedded scripting handler
// (§4.12): sandboxed JavaScript evaluated per-request with the
// robertkrimen/otto pure-Go interpreter, bounded by a CPU time ceiling
// so a runaway script degrades into a 500 instead of starving the
// worker goroutine.
package script

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/robertkrimen/otto"

	"github.com/flowgate/flowgate/internal/flowgate"
)

// Engine compiles and runs one route's script with a fresh otto VM per
// call, since requests run concurrently and an otto.Otto is not safe
// for concurrent use without external serialization (mirroring the
// teacher's OttoSolver, which serializes access with a mutex — FlowGate
// instead pays one VM-bootstrap per call to avoid serializing the
// entire route through one mutex under load).
type Engine struct {
	source   string
	cpuLimit time.Duration
}

// New compiles source (syntax-checked eagerly so a bad script fails at
// config-load time, not on the first request) into an Engine bounded by
// cpuLimit.
func New(source string, cpuLimit time.Duration) (*Engine, error) {
	vm := otto.New()
	if _, err := vm.Compile("route-script.js", source); err != nil {
		return nil, flowgate.Wrap(flowgate.KindConfigInvalid, "script.compile", err)
	}
	if cpuLimit <= 0 {
		cpuLimit = 100 * time.Millisecond
	}
	return &Engine{source: source, cpuLimit: cpuLimit}, nil
}

// Request is the subset of request data exposed to script as the
// global `request` object.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Result is what script produces: a direct response or a redirect.
// Scripts cannot mutate the request or hand it on to another handler.
type Result struct {
	Status  int
	Body    string
	Headers map[string]string
	// Terminal is true when the script explicitly called respond() or
	// redirect(). The script handler answers a non-terminal result with
	// 204 No Content.
	Terminal bool
}

// Run executes the script against req, recovering from panics (otto
// surfaces a timeout abort as a panic) and converting them into
// KindScriptError. now is injected for deterministic unixTime() output
// in tests.
func (e *Engine) Run(req Request, now time.Time) (result Result, err error) {
	vm := otto.New()
	registerBuiltins(vm, now)

	reqObj, marshalErr := json.Marshal(req)
	if marshalErr != nil {
		return Result{}, flowgate.Wrap(flowgate.KindScriptError, "script.run", marshalErr)
	}
	if _, err := vm.Run(fmt.Sprintf("var request = %s; var __result = null;", reqObj)); err != nil {
		return Result{}, flowgate.Wrap(flowgate.KindScriptError, "script.run", err)
	}
	if err := vm.Set("respond", func(call otto.FunctionCall) otto.Value {
		status, _ := call.Argument(0).ToInteger()
		body, _ := call.Argument(1).ToString()
		result = Result{Status: int(status), Body: body, Terminal: true, Headers: map[string]string{}}
		return otto.UndefinedValue()
	}); err != nil {
		return Result{}, flowgate.Wrap(flowgate.KindScriptError, "script.run", err)
	}
	if err := vm.Set("redirect", func(call otto.FunctionCall) otto.Value {
		to, _ := call.Argument(0).ToString()
		status := 302
		if call.Argument(1).IsNumber() {
			s, _ := call.Argument(1).ToInteger()
			status = int(s)
		}
		result = Result{Status: status, Headers: map[string]string{"Location": to}, Terminal: true}
		return otto.UndefinedValue()
	}); err != nil {
		return Result{}, flowgate.Wrap(flowgate.KindScriptError, "script.run", err)
	}

	vm.Interrupt = make(chan func(), 1)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panicked: %v", r)
			}
		}()
		_, runErr := vm.Run(e.source)
		done <- runErr
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			return Result{}, flowgate.Wrap(flowgate.KindScriptError, "script.run", runErr)
		}
		return result, nil
	case <-time.After(e.cpuLimit):
		vm.Interrupt <- func() { panic(errScriptTimeout) }
		<-done // wait for the interrupted goroutine to unwind
		return Result{}, flowgate.Wrap(flowgate.KindScriptError, "script.run", errScriptTimeout)
	}
}

var errScriptTimeout = fmt.Errorf("script exceeded cpu time limit")

// registerBuiltins installs the helper globals §4.12 promises: string
// and regex helpers, URL encode/decode, base64, a uuid generator, the
// current unix time, and JSON parse/stringify (the last two are native
// to otto already via JSON.parse/JSON.stringify).
func registerBuiltins(vm *otto.Otto, now time.Time) {
	_ = vm.Set("urlEncode", func(call otto.FunctionCall) otto.Value {
		s, _ := call.Argument(0).ToString()
		v, _ := vm.ToValue(url.QueryEscape(s))
		return v
	})
	_ = vm.Set("urlDecode", func(call otto.FunctionCall) otto.Value {
		s, _ := call.Argument(0).ToString()
		decoded, err := url.QueryUnescape(s)
		if err != nil {
			decoded = s
		}
		v, _ := vm.ToValue(decoded)
		return v
	})
	_ = vm.Set("base64Encode", func(call otto.FunctionCall) otto.Value {
		s, _ := call.Argument(0).ToString()
		v, _ := vm.ToValue(base64.StdEncoding.EncodeToString([]byte(s)))
		return v
	})
	_ = vm.Set("base64Decode", func(call otto.FunctionCall) otto.Value {
		s, _ := call.Argument(0).ToString()
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			decoded = nil
		}
		v, _ := vm.ToValue(string(decoded))
		return v
	})
	_ = vm.Set("uuid", func(call otto.FunctionCall) otto.Value {
		v, _ := vm.ToValue(uuid.NewString())
		return v
	})
	_ = vm.Set("unixTime", func(call otto.FunctionCall) otto.Value {
		v, _ := vm.ToValue(now.Unix())
		return v
	})
	_ = vm.Set("regexMatch", func(call otto.FunctionCall) otto.Value {
		pattern, _ := call.Argument(0).ToString()
		s, _ := call.Argument(1).ToString()
		re, err := regexp.Compile(pattern)
		if err != nil {
			v, _ := vm.ToValue(false)
			return v
		}
		v, _ := vm.ToValue(re.MatchString(s))
		return v
	})
}
