// ABOUTME: Tests for AuthContext propagation through context.Context
// ABOUTME: Covers round trip and the absent case

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_RoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{Address: "agent-a"})

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() = nil, want AuthContext")
	}
	if got.Address != "agent-a" {
		t.Errorf("Address = %q, want %q", got.Address, "agent-a")
	}
}

func TestFromContext_Absent(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}
