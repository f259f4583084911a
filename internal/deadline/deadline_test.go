package deadline

import (
	"testing"
	"time"
)

func TestDeadlineFiresAfterDuration(t *testing.T) {
	s := New(20 * time.Millisecond)
	if s.Fired() {
		t.Fatal("deadline fired too early")
	}
	time.Sleep(60 * time.Millisecond)
	if !s.Fired() {
		t.Fatal("deadline did not fire after its duration")
	}
}

func TestDeadlineZeroNeverFires(t *testing.T) {
	s := New(0)
	time.Sleep(10 * time.Millisecond)
	if s.Fired() {
		t.Fatal("zero-duration deadline should never fire")
	}
}

func TestDeadlineStopPreventsLaterFire(t *testing.T) {
	s := New(20 * time.Millisecond)
	s.Stop()
	time.Sleep(60 * time.Millisecond)
	if s.Fired() {
		t.Fatal("stopped deadline should not fire")
	}
}
