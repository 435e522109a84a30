package threadstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "threads.json"))
}

func TestAllocateNameSuffixesOnCollision(t *testing.T) {
	s := tempStore(t)

	first := s.AllocateName("Repo")
	if first != "Repo" {
		t.Fatalf("first allocation = %q, want Repo", first)
	}
	s.Register("1", first)

	second := s.AllocateName("Repo")
	if second != "Repo 2" {
		t.Fatalf("second allocation = %q, want %q", second, "Repo 2")
	}
	s.Register("2", second)

	if third := s.AllocateName("Repo"); third != "Repo 3" {
		t.Fatalf("third allocation = %q, want %q", third, "Repo 3")
	}
}

func TestUnregisterFreesName(t *testing.T) {
	s := tempStore(t)
	s.Register("1", s.AllocateName("Repo"))
	s.Unregister("1")

	if got := s.AllocateName("Repo"); got != "Repo" {
		t.Fatalf("after unregister, allocation = %q, want Repo", got)
	}
}

func TestAllocateNameTruncates(t *testing.T) {
	s := tempStore(t)
	long := strings.Repeat("x", 200)

	got := s.AllocateName(long)
	if len(got) != DefaultMaxNameLen {
		t.Fatalf("len = %d, want %d", len(got), DefaultMaxNameLen)
	}

	s.Register("1", got)
	second := s.AllocateName(long)
	if len(second) > DefaultMaxNameLen {
		t.Fatalf("suffixed name too long: %d", len(second))
	}
	if !strings.HasSuffix(second, " 2") {
		t.Fatalf("suffixed name = %q, want trailing %q", second, " 2")
	}
}

func TestExhaustedSuffixesFallsBackToBase(t *testing.T) {
	s := tempStore(t)
	s.Register("0", "Repo")
	for i := 2; i < 100; i++ {
		s.Register(fmt.Sprint(i), fmt.Sprintf("Repo %d", i))
	}
	if got := s.AllocateName("Repo"); got != "Repo" {
		t.Fatalf("exhausted allocation = %q, want duplicate base Repo", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")

	s := NewStore(path)
	s.Register("42", "Repo")
	s.Register("43", "Repo 2")

	reloaded := NewStore(path)
	reloaded.Load()

	if name, ok := reloaded.Name("42"); !ok || name != "Repo" {
		t.Fatalf("Name(42) = %q, %v", name, ok)
	}
	if got := reloaded.AllocateName("Repo"); got != "Repo 3" {
		t.Fatalf("allocation after reload = %q, want Repo 3", got)
	}
	if id, ok := reloaded.ThreadID("Repo 2"); !ok || id != "43" {
		t.Fatalf("ThreadID(Repo 2) = %q, %v", id, ok)
	}
}

func TestCorruptFileLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	s.Load()

	if len(s.All()) != 0 {
		t.Fatal("corrupt file must load as empty registry")
	}
}
