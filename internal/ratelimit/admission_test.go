package ratelimit

import "testing"

func TestAdmissionAllowsUpToBurstImmediately(t *testing.T) {
	a := NewAdmission(1, 3)
	for i := 0; i < 3; i++ {
		if !a.Allow() {
			t.Fatalf("expected attempt %d within burst to be allowed", i)
		}
	}
	if a.Allow() {
		t.Fatal("expected the attempt beyond burst to be rejected")
	}
}
