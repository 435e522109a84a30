package pairing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateCodeFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		code := GenerateCode()
		if len(code) != 8 {
			t.Fatalf("code %q is not 8 digits", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q contains non-digit", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatal("codes do not vary")
	}
}

func TestPairAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	s, err := LoadOrCreate(path, "12345678")
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := s.Pair(42, "wrong"); ok {
		t.Fatal("wrong code must not pair")
	}
	if s.IsPaired(42) {
		t.Fatal("user must not be paired after failed attempt")
	}

	if ok, err := s.Pair(42, "12345678"); err != nil || !ok {
		t.Fatalf("pair = %v, %v", ok, err)
	}
	if !s.IsPaired(42) {
		t.Fatal("user must be paired")
	}
	// Re-pairing with any code succeeds for a paired user.
	if ok, _ := s.Pair(42, "nope"); !ok {
		t.Fatal("paired user must stay paired")
	}

	reloaded, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.IsPaired(42) {
		t.Fatal("pairing must survive reload")
	}
	if reloaded.Code() != "12345678" {
		t.Fatalf("code after reload = %q", reloaded.Code())
	}
}

func TestFixedCodeOverridesStored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	if _, err := LoadOrCreate(path, "11111111"); err != nil {
		t.Fatal(err)
	}
	s, err := LoadOrCreate(path, "22222222")
	if err != nil {
		t.Fatal(err)
	}
	if s.Code() != "22222222" {
		t.Fatalf("code = %q, want override", s.Code())
	}
}

func TestCorruptFileCreatesFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Code() == "" || len(s.PairedUsers()) != 0 {
		t.Fatalf("fresh state expected, got code=%q users=%v", s.Code(), s.PairedUsers())
	}
}

func TestUnpairAndControlChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	s, err := LoadOrCreate(path, "12345678")
	if err != nil {
		t.Fatal(err)
	}
	s.Pair(1, "12345678")
	s.Pair(2, "12345678")

	if err := s.Unpair(1); err != nil {
		t.Fatal(err)
	}
	if got := s.PairedUsers(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("users = %v", got)
	}

	if err := s.SetControlChannel(777); err != nil {
		t.Fatal(err)
	}
	reloaded, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.ControlChannel() != 777 {
		t.Fatalf("control channel = %d", reloaded.ControlChannel())
	}
}
