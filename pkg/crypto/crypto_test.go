package crypto

import (
	"errors"
	"testing"
)

func TestGenerateTokenUnique(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if a == b {
		t.Fatalf("two tokens collided: %s", a)
	}
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64", len(a))
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("HashToken is not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("HashToken collided on different input")
	}
}

func TestVerifyPassword(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	hash := HashPassword("hunter2", salt)

	if err := VerifyPassword("hunter2", salt, hash); err != nil {
		t.Errorf("VerifyPassword(correct) = %v", err)
	}
	if err := VerifyPassword("hunter3", salt, hash); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("VerifyPassword(wrong) = %v, want ErrPasswordMismatch", err)
	}
	if err := VerifyPassword("hunter2", salt, nil); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("VerifyPassword(no hash) = %v, want ErrPasswordMismatch", err)
	}
}
