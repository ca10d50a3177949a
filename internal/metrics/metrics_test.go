package metrics

import (
	"testing"
	"time"
)

func TestObserveRequestIncrementsCounters(t *testing.T) {
	r := NewRegistry()
	r.ObserveRequest("api", StatusClass(200), 10*time.Millisecond)

	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "flowgate_requests_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected flowgate_requests_total metric family to be registered")
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 0: "other"}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Fatalf("StatusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
