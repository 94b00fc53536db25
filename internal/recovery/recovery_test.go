package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	logger, buf := newBufferLogger()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "peerWorker")
		panic("window exploded")
	}()
	wg.Wait()

	output := buf.String()
	for _, want := range []string{"panic recovered", "peerWorker", "window exploded", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	logger, buf := newBufferLogger()

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestRecoverWithCallback(t *testing.T) {
	tests := []struct {
		name       string
		panicValue interface{}
		wantCalled bool
	}{
		{"panic", "callback test", true},
		{"no panic", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := newBufferLogger()

			var called bool
			var recovered interface{}
			func() {
				defer RecoverWithCallback(logger, "cb", func(r interface{}) {
					called = true
					recovered = r
				})
				if tt.panicValue != nil {
					panic(tt.panicValue)
				}
			}()

			if called != tt.wantCalled {
				t.Errorf("callback called = %v, want %v", called, tt.wantCalled)
			}
			if recovered != tt.panicValue {
				t.Errorf("recovered = %v, want %v", recovered, tt.panicValue)
			}
		})
	}
}

func TestRecoverWithCallback_NilCallback(t *testing.T) {
	logger, buf := newBufferLogger()

	func() {
		defer RecoverWithCallback(logger, "nilCallback", nil)
		panic("nil callback test")
	}()

	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestGo(t *testing.T) {
	logger, buf := newBufferLogger()

	var wg sync.WaitGroup
	ran := make(chan struct{}, 1)
	Go(&wg, logger, "worker", func() {
		ran <- struct{}{}
	})
	Go(&wg, logger, "crasher", func() {
		panic("boom")
	})
	wg.Wait()

	if len(ran) != 1 {
		t.Error("expected fn to run")
	}
	if !strings.Contains(buf.String(), "crasher") {
		t.Errorf("expected crasher panic to be logged, got: %s", buf.String())
	}
}

func TestCall(t *testing.T) {
	logger, _ := newBufferLogger()

	if !Call(logger, "fine", func() {}) {
		t.Error("Call() = false for a function that returned")
	}
	if Call(logger, "bad", func() { panic("handler failed") }) {
		t.Error("Call() = true for a function that panicked")
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	func() {
		defer RecoverWithLog(nil, "nilLogger")
		panic("no logger")
	}()
}
