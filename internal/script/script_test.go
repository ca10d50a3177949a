package script

import (
	"strings"
	"testing"
	"time"
)

func TestRunRespond(t *testing.T) {
	e, err := New(`respond(200, "hello " + request.path);`, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	result, err := e.Run(Request{Path: "/world"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Terminal || result.Status != 200 || result.Body != "hello /world" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunRedirect(t *testing.T) {
	e, err := New(`redirect("https://example.com", 301);`, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	result, err := e.Run(Request{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != 301 || result.Headers["Location"] != "https://example.com" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCompileErrorSurfacesAtConstruction(t *testing.T) {
	_, err := New(`this is not valid javascript {{{`, time.Second)
	if err == nil {
		t.Fatal("expected syntax error at compile time")
	}
}

func TestRunTimesOutOnInfiniteLoop(t *testing.T) {
	e, err := New(`while (true) {}`, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Run(Request{}, time.Now())
	if err == nil || !strings.Contains(err.Error(), "script_error") {
		t.Fatalf("expected script_error from timeout, got %v", err)
	}
}

func TestBuiltinHelpers(t *testing.T) {
	e, err := New(`respond(200, urlEncode("a b") + "|" + base64Encode("hi"));`, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	result, err := e.Run(Request{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if result.Body != "a+b|aGk=" {
		t.Fatalf("unexpected builtin output %q", result.Body)
	}
}
