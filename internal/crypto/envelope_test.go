package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

type record struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func TestSealOpenJSON(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	in := []record{{Role: "user", Content: "secret question"}}
	sealed, err := s.SealJSON(in)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(string(sealed), "secret question") {
		t.Fatalf("sealed output leaks plaintext")
	}

	var out []record
	if err := s.OpenJSON(sealed, &out); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("unexpected round trip %+v", out)
	}
}

func TestOpenWithRotatedKeys(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldSealer, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	sealed, err := oldSealer.SealJSON("legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}
	var plain string
	if err := rotated.OpenJSON(sealed, &plain); err != nil {
		t.Fatalf("open with old key: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext %q", plain)
	}

	newOnly, err := NewSealer("new", map[string][]byte{"new": newKey})
	if err != nil {
		t.Fatalf("new-only sealer: %v", err)
	}
	if err := newOnly.OpenJSON(sealed, &plain); err == nil {
		t.Fatalf("expected failure without the old key")
	}
}

func TestNewSealerValidatesKeys(t *testing.T) {
	if _, err := NewSealer("k", map[string][]byte{"k": []byte("short")}); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewSealer("missing", map[string][]byte{}); err == nil {
		t.Fatalf("expected error for unknown current key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
