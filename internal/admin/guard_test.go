package admin

import "testing"

func TestAuthorizeAcceptsMatchingToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("unexpected hashing error: %v", err)
	}
	g := NewGuard(hash)

	if err := g.Authorize("s3cret"); err != nil {
		t.Fatalf("expected matching token to authorize, got %v", err)
	}
}

func TestAuthorizeRejectsWrongToken(t *testing.T) {
	hash, _ := HashToken("s3cret")
	g := NewGuard(hash)

	if err := g.Authorize("wrong"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthorizeRejectsWhenNoTokenConfigured(t *testing.T) {
	g := NewGuard("")
	if err := g.Authorize("anything"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized with no configured hash, got %v", err)
	}
}
