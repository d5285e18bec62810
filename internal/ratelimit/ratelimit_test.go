package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/config"
)

func newTestLimiter() *Limiter {
	return New(config.RateLimitConfig{
		GlobalRPM:          600, // one per 100ms
		PerConversationRPM: 600,
		MessageRPM:         600,
	})
}

func TestFirstAcquireIsImmediate(t *testing.T) {
	l := newTestLimiter()
	if wait := l.WaitTime(General, ""); wait != 0 {
		t.Errorf("initial WaitTime = %v, want 0", wait)
	}
	start := time.Now()
	if err := l.Acquire(context.Background(), General, ""); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("first Acquire took %v, want immediate", elapsed)
	}
}

func TestWaitTimeDoesNotConsumeBudget(t *testing.T) {
	l := newTestLimiter()
	for i := 0; i < 5; i++ {
		if wait := l.WaitTime(General, "conv1"); wait != 0 {
			t.Fatalf("WaitTime #%d = %v, want 0 (probe must not consume budget)", i, wait)
		}
	}
}

func TestSecondAcquireWaits(t *testing.T) {
	l := newTestLimiter()
	if err := l.Acquire(context.Background(), Message, "conv1"); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	wait := l.WaitTime(Message, "conv1")
	if wait <= 0 || wait > 100*time.Millisecond {
		t.Errorf("WaitTime after acquire = %v, want within (0, 100ms]", wait)
	}
}

func TestMessageScopeIndependentOfGeneral(t *testing.T) {
	l := New(config.RateLimitConfig{
		GlobalRPM:          6000,
		PerConversationRPM: 6000,
		MessageRPM:         1, // one per minute
	})
	if err := l.Acquire(context.Background(), Message, "conv1"); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if wait := l.WaitTime(General, "conv1"); wait > 50*time.Millisecond {
		t.Errorf("general WaitTime = %v, should not be throttled by message scope", wait)
	}
	if wait := l.WaitTime(EditMessage, "conv1"); wait < time.Second {
		t.Errorf("edit_message WaitTime = %v, want throttled by message scope", wait)
	}
}

func TestZeroRPMFallback(t *testing.T) {
	l := New(config.RateLimitConfig{})
	if err := l.Acquire(context.Background(), General, ""); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	wait := l.WaitTime(General, "")
	if wait <= 0 || wait > time.Second {
		t.Errorf("fallback WaitTime = %v, want within (0, 1s]", wait)
	}
}

func TestAcquireCancellation(t *testing.T) {
	l := New(config.RateLimitConfig{
		GlobalRPM:          1, // one per minute forces a long wait
		PerConversationRPM: 1,
		MessageRPM:         1,
	})
	if err := l.Acquire(context.Background(), General, ""); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Acquire(ctx, General, "")
	if err == nil {
		t.Fatal("Acquire did not surface cancellation")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled Acquire took %v, want prompt return", elapsed)
	}
	if l.GlobalCount() != 1 {
		t.Errorf("GlobalCount = %d after cancelled acquire, want 1", l.GlobalCount())
	}
}

func TestCounters(t *testing.T) {
	l := newTestLimiter()
	ctx := context.Background()
	_ = l.Acquire(ctx, General, "conv1")
	if l.GlobalCount() != 1 {
		t.Errorf("GlobalCount = %d, want 1", l.GlobalCount())
	}
	if l.ConversationCount("conv1") != 1 {
		t.Errorf("ConversationCount(conv1) = %d, want 1", l.ConversationCount("conv1"))
	}
	if l.ConversationCount("conv2") != 0 {
		t.Errorf("ConversationCount(conv2) = %d, want 0", l.ConversationCount("conv2"))
	}
}
