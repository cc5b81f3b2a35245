package authclinician

import (
	"testing"

	"github.com/google/uuid"
)

func TestAuthorize_AdminBypasses(t *testing.T) {
	owner, other := uuid.New(), uuid.New()
	if err := Authorize([]string{"admin"}, other, owner); err != nil {
		t.Fatalf("expected admin bypass, got %v", err)
	}
}

func TestAuthorize_OwnerAllowed(t *testing.T) {
	owner := uuid.New()
	if err := Authorize([]string{"doctor"}, owner, owner); err != nil {
		t.Fatalf("expected owner to be authorized, got %v", err)
	}
}

func TestAuthorize_NonOwnerDenied(t *testing.T) {
	owner, other := uuid.New(), uuid.New()
	if err := Authorize([]string{"doctor"}, other, owner); err == nil {
		t.Fatal("expected non-owner doctor to be denied")
	}
}

func TestAuthorize_UntrackedOwnerPassesThrough(t *testing.T) {
	if err := Authorize([]string{"doctor"}, uuid.New(), uuid.Nil); err != nil {
		t.Fatalf("expected a resource with no tracked owner to pass, got %v", err)
	}
}
