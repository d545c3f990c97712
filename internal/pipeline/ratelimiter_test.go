package pipeline

import "testing"

func TestTriggerLimiterAllowsUpToBurst(t *testing.T) {
	l := NewTriggerLimiter()
	for i := 0; i < triggerBurst; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow() #%d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatalf("expected the burst-exceeding call to be rejected")
	}
}

func TestTriggerLimiterIsPerPrincipal(t *testing.T) {
	l := NewTriggerLimiter()
	for i := 0; i < triggerBurst; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow(alice) #%d: %v", i, err)
		}
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("expected bob to have an independent bucket: %v", err)
	}
}
