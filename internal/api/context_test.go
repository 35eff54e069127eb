package api

import (
	"context"
	"testing"
)

func TestContext_UserID(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserID(ctx); ok {
		t.Error("empty context should have no user")
	}
	if _, ok := UserID(WithUserID(ctx, "")); ok {
		t.Error("blank user id should not count")
	}
	if got, ok := UserID(WithUserID(ctx, "u1")); !ok || got != "u1" {
		t.Errorf("UserID = %q, %v", got, ok)
	}
}

func TestContext_ProviderToken(t *testing.T) {
	ctx := WithProviderToken(context.Background(), "google-token")
	if got, ok := ProviderToken(ctx); !ok || got != "google-token" {
		t.Errorf("ProviderToken = %q, %v", got, ok)
	}
	if _, ok := ProviderToken(context.Background()); ok {
		t.Error("missing token reported present")
	}
}
