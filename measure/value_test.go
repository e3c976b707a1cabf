// measure/value_test.go
package measure

import (
	"math"
	"testing"
)

func TestValuePublish(t *testing.T) {
	if got := Valid(1.25).Publish(); got != 1.25 {
		t.Fatalf("valid publish = %v, want 1.25", got)
	}
	// A valid zero is a real reading, not a failure.
	if got := Valid(0).Publish(); got != 0 {
		t.Fatalf("valid zero publish = %v, want 0", got)
	}
	if got := Invalid().Publish(); got != Sentinel {
		t.Fatalf("invalid publish = %v, want %v", got, Sentinel)
	}
	if got := NoReading().Publish(); got != Sentinel {
		t.Fatalf("no-reading publish = %v, want %v", got, Sentinel)
	}
	if math.IsNaN(Invalid().Publish()) {
		t.Fatal("failed slot must never publish NaN")
	}
}

func TestResultOK(t *testing.T) {
	if (Result{}).OK() {
		t.Fatal("empty result must not be OK")
	}
	r := Result{Values: []float64{1, 2}, Good: []int{3, 3}}
	if !r.OK() {
		t.Fatal("fully good result should be OK")
	}
	r.Good[1] = 0
	if r.OK() {
		t.Fatal("result with an empty slot should not be OK")
	}
}
