package muxer

import "testing"

func TestNextDtsPassesThroughIncreasingValues(t *testing.T) {
	if got := nextDts(0, 100, true); got != 100 {
		t.Errorf("nextDts(0, 100, true) = %d, want 100", got)
	}
}

func TestNextDtsFirstPacketPassesThroughUnconditionally(t *testing.T) {
	if got := nextDts(0, -5, false); got != -5 {
		t.Errorf("nextDts(0, -5, false) = %d, want -5", got)
	}
}

func TestNextDtsBumpsNonIncreasingValues(t *testing.T) {
	if got := nextDts(100, 100, true); got != 101 {
		t.Errorf("nextDts(100, 100, true) = %d, want 101", got)
	}
	if got := nextDts(100, 90, true); got != 101 {
		t.Errorf("nextDts(100, 90, true) = %d, want 101", got)
	}
}

func TestNextDtsSequenceIsStrictlyIncreasing(t *testing.T) {
	candidates := []int64{0, 0, 1, 1, 1, 5, 3}
	last, have := int64(0), false
	for i, c := range candidates {
		got := nextDts(last, c, have)
		if have && got <= last {
			t.Fatalf("step %d: nextDts(%d, %d, true) = %d, not strictly greater than last", i, last, c, got)
		}
		last, have = got, true
	}
}
