package amreg

import "testing"

type noopAM struct{}

func (noopAM) MarshalMsg(b []byte) ([]byte, error)    { return b, nil }
func (*noopAM) UnmarshalMsg(b []byte) ([]byte, error) { return b, nil }
func (noopAM) Exec(*ExecCtx) (any, error)             { return nil, nil }
func (noopAM) Kind() string                           { return "noopAM" }

func TestStableSortedAssignment(t *testing.T) {
	kinds := map[string]func() Executable{
		"zeta":  func() Executable { return &noopAM{} },
		"alpha": func() Executable { return &noopAM{} },
		"mid":   func() Executable { return &noopAM{} },
	}
	r1 := New(kinds)
	r2 := New(kinds)

	for name := range kinds {
		k1, err := r1.ByName(name)
		if err != nil {
			t.Fatalf("r1: %v", err)
		}
		k2, err := r2.ByName(name)
		if err != nil {
			t.Fatalf("r2: %v", err)
		}
		if k1.ID != k2.ID {
			t.Fatalf("non-deterministic id assignment for %q: %d vs %d", name, k1.ID, k2.ID)
		}
	}

	alpha, _ := r1.ByName("alpha")
	mid, _ := r1.ByName("mid")
	zeta, _ := r1.ByName("zeta")
	if !(alpha.ID < mid.ID && mid.ID < zeta.ID) {
		t.Fatalf("expected lexicographic id ordering, got alpha=%d mid=%d zeta=%d", alpha.ID, mid.ID, zeta.ID)
	}
	if alpha.ID < firstUserID {
		t.Fatalf("user AM id %d collides with reserved control range", alpha.ID)
	}
}

func TestByIDUnknown(t *testing.T) {
	r := New(map[string]func() Executable{"a": func() Executable { return &noopAM{} }})
	if _, err := r.ByID(999); err == nil {
		t.Fatalf("expected error for unregistered id")
	}
}

func TestIsReturnAM(t *testing.T) {
	if !IsReturnAM(-5) {
		t.Fatalf("expected negative id to be a return am")
	}
	if IsReturnAM(firstUserID) {
		t.Fatalf("positive id must not be a return am")
	}
}
