package ranges

import "testing"

func fptr(v float64) *float64 { return &v }

func TestContains(t *testing.T) {
	both := ParameterRange{Parameter: "temp", Min: fptr(0), Max: fptr(40)}
	if !both.Contains(20) || !both.Contains(0) || !both.Contains(40) {
		t.Fatal("bounds are inclusive")
	}
	if both.Contains(-0.1) || both.Contains(40.1) {
		t.Fatal("values past a bound are out of range")
	}

	maxOnly := ParameterRange{Parameter: "temp", Max: fptr(40)}
	if !maxOnly.Contains(-100) {
		t.Fatal("a missing min never excludes")
	}
	if maxOnly.Contains(41) {
		t.Fatal("max still applies")
	}

	open := ParameterRange{Parameter: "temp"}
	if !open.Contains(1e9) || !open.Contains(-1e9) {
		t.Fatal("a range with no bounds contains everything")
	}
}
