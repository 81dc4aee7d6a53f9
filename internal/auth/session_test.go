package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	manager := NewSessionManager(time.Hour)

	token, expiresAt, err := manager.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expiresAt %v is not in the future", expiresAt)
	}

	userID, _, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("Validate = (%q, %v), want (user-1, true)", userID, ok)
	}

	if err := manager.Revoke(token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("revoked token should not validate")
	}
}

func TestSessionCreateRequiresUserID(t *testing.T) {
	manager := NewSessionManager(time.Hour)
	if _, _, err := manager.Create(""); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("err = %v, want ErrInvalidUserID", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))

	token, _, err := manager.Create("user-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	hashed, err := hashSessionToken(token)
	if err != nil {
		t.Fatalf("hashSessionToken: %v", err)
	}
	if err := store.Save(hashed, "user-2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, _, ok, err := manager.Validate(token); err != nil || ok {
		t.Fatalf("expired token validated, ok=%v err=%v", ok, err)
	}
	// Validation deletes the expired row eagerly.
	if _, found, _ := store.Get(hashed); found {
		t.Fatal("expired session should be removed on validation")
	}
}

func TestSessionTokensStoredHashed(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))

	token, _, err := manager.Create("user-3")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, found, _ := store.Get(token); found {
		t.Fatal("raw token must never appear in the store")
	}
}

func TestPurgeExpired(t *testing.T) {
	store := NewMemorySessionStore()
	if err := store.Save("stale", "user-4", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save("fresh", "user-5", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.PurgeExpired(time.Now()); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, found, _ := store.Get("stale"); found {
		t.Fatal("stale session survived purge")
	}
	if _, found, _ := store.Get("fresh"); !found {
		t.Fatal("fresh session removed by purge")
	}
}
