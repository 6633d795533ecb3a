package otp

import (
	"testing"
)

func TestGenerateCode_ReturnsSixDigits(t *testing.T) {
	code, err := GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("code length = %d, want 6", len(code))
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code contains non-digit: %c", c)
		}
	}
}

func TestGenerateCode_Varies(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Error("GenerateCode returned the same code 20 times")
	}
}

func TestHashCode_Consistent(t *testing.T) {
	hash1 := HashCode("482913")
	hash2 := HashCode("482913")

	if hash1 != hash2 {
		t.Errorf("HashCode not consistent: hash1 = %q, hash2 = %q", hash1, hash2)
	}
	if len(hash1) != 64 {
		t.Errorf("hash length = %d, want 64 (SHA-256 hex)", len(hash1))
	}
}

func TestCodeEqual_CorrectMatch(t *testing.T) {
	storedHash := HashCode("482913")
	if !CodeEqual("482913", storedHash) {
		t.Error("CodeEqual should match the correct code")
	}
}

func TestCodeEqual_RejectsIncorrect(t *testing.T) {
	storedHash := HashCode("482913")
	if CodeEqual("123456", storedHash) {
		t.Error("CodeEqual should reject an incorrect code")
	}
}

func TestCodeEqual_RejectsEmpty(t *testing.T) {
	if CodeEqual("", "") {
		t.Error("CodeEqual should not match empty inputs")
	}
	if CodeEqual("", HashCode("482913")) {
		t.Error("CodeEqual should not match an empty code")
	}
}
