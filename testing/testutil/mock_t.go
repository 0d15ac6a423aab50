package testutil

import (
	"fmt"
	"runtime"
	"testing"
)

// RecorderT is a testing.TB that records failures instead of failing the
// real test. Use it to assert that a helper built on testing.TB fails when
// it should.
type RecorderT struct {
	testing.TB // embedded for the unexported method set

	HasFailed bool
	WasFatal  bool
	Message   string
	Logs      []string
}

// NewRecorderT creates an empty RecorderT.
func NewRecorderT() *RecorderT {
	return &RecorderT{}
}

func (r *RecorderT) Helper() {}

func (r *RecorderT) Log(args ...any) {
	r.Logs = append(r.Logs, fmt.Sprint(args...))
}

func (r *RecorderT) Logf(format string, args ...any) {
	r.Logs = append(r.Logs, fmt.Sprintf(format, args...))
}

func (r *RecorderT) Error(args ...any) {
	r.HasFailed = true
	r.Message = fmt.Sprint(args...)
}

func (r *RecorderT) Errorf(format string, args ...any) {
	r.HasFailed = true
	r.Message = fmt.Sprintf(format, args...)
}

func (r *RecorderT) Fail() {
	r.HasFailed = true
}

func (r *RecorderT) FailNow() {
	r.HasFailed = true
	runtime.Goexit()
}

func (r *RecorderT) Failed() bool {
	return r.HasFailed
}

func (r *RecorderT) Fatal(args ...any) {
	r.HasFailed = true
	r.WasFatal = true
	r.Message = fmt.Sprint(args...)
	runtime.Goexit()
}

func (r *RecorderT) Fatalf(format string, args ...any) {
	r.HasFailed = true
	r.WasFatal = true
	r.Message = fmt.Sprintf(format, args...)
	runtime.Goexit()
}

// Record runs fn with a fresh RecorderT on its own goroutine, so Fatal and
// FailNow terminate fn without killing the calling test, and returns the
// recorder for inspection.
func Record(fn func(r *RecorderT)) *RecorderT {
	rec := NewRecorderT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(rec)
	}()
	<-done
	return rec
}
