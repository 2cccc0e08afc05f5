package address

import "testing"

func TestParse_V4(t *testing.T) {
	a, err := Parse("203.0.113.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Family() != V4 {
		t.Errorf("Family = %v, want V4", a.Family())
	}
	if a.String() != "203.0.113.5" {
		t.Errorf("String = %q", a.String())
	}
}

func TestParse_V6Canonicalizes(t *testing.T) {
	a, err := Parse("0:0:0:0:0:0:0:1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse("::1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !a.Equal(b) {
		t.Errorf("expected %q and %q to be equal canonical addresses", a, b)
	}
	if a.Family() != V6 {
		t.Errorf("Family = %v, want V6", a.Family())
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-an-address"); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestEqual_DifferentFamiliesNeverEqual(t *testing.T) {
	v4, _ := Parse("127.0.0.1")
	v6, _ := Parse("::1")
	if v4.Equal(v6) {
		t.Error("v4 and v6 addresses must never compare equal")
	}
}

func TestIsLoopback(t *testing.T) {
	a, _ := Parse("127.0.0.1")
	if !a.IsLoopback() {
		t.Error("127.0.0.1 must report IsLoopback")
	}
	b, _ := Parse("203.0.113.5")
	if b.IsLoopback() {
		t.Error("203.0.113.5 must not report IsLoopback")
	}
}

func TestFamily_String(t *testing.T) {
	if V4.String() != "4" {
		t.Errorf("V4.String() = %q, want 4", V4.String())
	}
	if V6.String() != "6" {
		t.Errorf("V6.String() = %q, want 6", V6.String())
	}
}
