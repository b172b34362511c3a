package workflow

import (
	"testing"
	"time"

	"loom/internal/pipeline"
)

func TestExponentialDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 9, want: 10 * time.Second},
	}
	for _, tc := range cases {
		got := exponentialDelay(time.Second, 10*time.Second, tc.attempt)
		if got != tc.want {
			t.Errorf("attempt %d: got %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestExponentialDelayZeroBase(t *testing.T) {
	if got := exponentialDelay(0, time.Minute, 3); got != 0 {
		t.Fatalf("zero base must yield zero delay, got %s", got)
	}
}

func TestDelayAddsBoundedJitter(t *testing.T) {
	def := pipeline.Definition{BackoffBase: 2 * time.Second, BackoffCap: 8 * time.Second}
	b := newBackoff(0, 0)
	for i := 0; i < 50; i++ {
		got := b.delay(def, 2)
		lo := 4 * time.Second
		hi := lo + time.Duration(jitterFraction*float64(lo))
		if got < lo || got > hi {
			t.Fatalf("delay %s outside [%s, %s]", got, lo, hi)
		}
	}
}

func TestDelayOverrideReplacesStagePolicy(t *testing.T) {
	def := pipeline.Definition{BackoffBase: 5 * time.Minute, BackoffCap: time.Hour}
	b := newBackoff(10*time.Millisecond, 40*time.Millisecond)
	got := b.delay(def, 1)
	if got < 10*time.Millisecond || got > 12*time.Millisecond {
		t.Fatalf("override base not applied: %s", got)
	}
	got = b.delay(def, 5)
	if got < 40*time.Millisecond || got > 48*time.Millisecond {
		t.Fatalf("override cap not applied: %s", got)
	}
}
