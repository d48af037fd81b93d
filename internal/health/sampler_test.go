package health

import (
	"os"
	"testing"
	"time"
)

func TestNewSampler(t *testing.T) {
	s, err := NewSampler(0)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	if s.Interval() != DefaultSampleInterval {
		t.Errorf("expected default interval %s, got %s", DefaultSampleInterval, s.Interval())
	}
	if s.LastSample() != nil {
		t.Error("expected nil sample before first Sample")
	}
}

func TestSampler_Sample(t *testing.T) {
	s, err := NewSampler(time.Second)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	sample := s.Sample()
	if sample == nil {
		t.Fatal("expected non-nil sample")
	}

	if sample.PID != os.Getpid() {
		t.Errorf("expected PID %d, got %d", os.Getpid(), sample.PID)
	}
	if sample.NumGoroutine <= 0 {
		t.Errorf("expected positive goroutine count, got %d", sample.NumGoroutine)
	}
	if sample.SampledAt.IsZero() {
		t.Error("expected SampledAt to be set")
	}

	if s.LastSample() == nil {
		t.Error("expected LastSample to return the taken sample")
	}
}

func TestSampler_StartStop(t *testing.T) {
	s, err := NewSampler(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	s.Start()

	// First sample is taken synchronously at loop entry; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for s.LastSample() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.LastSample() == nil {
		t.Fatal("expected a sample after Start")
	}

	// Double start is a no-op
	s.Start()

	s.Stop()

	// Double stop is a no-op
	s.Stop()
}
