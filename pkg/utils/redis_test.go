package utils

import (
	"context"
	"testing"
)

func TestConcurrencyScriptsCompile(t *testing.T) {
	if concurrencyAcquireScript == nil || concurrencyReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestCallCap_DisabledAlwaysAcquires(t *testing.T) {
	c := NewCallCap(nil, 0, 0)
	ok, err := c.Acquire(context.Background(), 7)
	if err != nil || !ok {
		t.Fatalf("expected acquire with cap disabled, got %v %v", ok, err)
	}
	if err := c.Release(context.Background(), 7); err != nil {
		t.Fatalf("unexpected release err: %v", err)
	}
}

func TestCallCapKey(t *testing.T) {
	if got := CallCapKey(42); got != "voice:calls:42" {
		t.Fatalf("unexpected key %q", got)
	}
}
