package timer

import "testing"

type fakeClock struct{ us int64 }

func (f *fakeClock) NowUs() int64 { return f.us }

func TestSetNextTriggerArmsOneQuantumOut(t *testing.T) {
	c := &fakeClock{us: 1000}
	tm := New(c)
	if want := c.us + QuantumUs; tm.Deadline() != want {
		t.Fatalf("Deadline() = %d, want %d", tm.Deadline(), want)
	}
	if tm.Due() {
		t.Fatal("timer should not be due immediately after arming")
	}
	c.us += QuantumUs
	if !tm.Due() {
		t.Fatal("timer should be due once the quantum elapses")
	}
}

func TestGetTimeMonotonicNonDecreasing(t *testing.T) {
	c := &fakeClock{us: 5}
	first := GetTimeUs(c)
	c.us = 9
	second := GetTimeUs(c)
	if second < first {
		t.Fatalf("time went backwards: %d then %d", first, second)
	}
}

func TestSecUsecSplit(t *testing.T) {
	sec, usec := SecUsec(1_500_250)
	if sec != 1 || usec != 500250 {
		t.Fatalf("SecUsec(1500250) = (%d,%d), want (1,500250)", sec, usec)
	}
}
