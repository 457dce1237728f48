package id

import "testing"

func TestParseAmountBaseUnits(t *testing.T) {
	v, err := ParseAmount("1000000", -1)
	if err != nil {
		t.Fatalf("ParseAmount failed: %v", err)
	}
	if v.Uint64() != 1_000_000 {
		t.Fatalf("unexpected amount %s", v.Dec())
	}
	if _, err := ParseAmount("-3", -1); err == nil {
		t.Fatal("expected negative amount to fail")
	}
}

func TestParseAmountDecimal(t *testing.T) {
	v, err := ParseAmount("1.25", 6)
	if err != nil {
		t.Fatalf("ParseAmount failed: %v", err)
	}
	if v.Uint64() != 1_250_000 {
		t.Fatalf("unexpected amount %s", v.Dec())
	}
	if got := FormatDecimal(v, 6); got != "1.25" {
		t.Fatalf("unexpected format %s", got)
	}
	if _, err := ParseAmount("1.1234567", 6); err == nil {
		t.Fatal("expected precision error")
	}
	if got := FormatDecimal(nil, 6); got != "0" {
		t.Fatalf("unexpected zero format: %s", got)
	}
}

func TestParseRate(t *testing.T) {
	v, err := ParseRate("0.002")
	if err != nil {
		t.Fatalf("ParseRate failed: %v", err)
	}
	if v.Uint64() != 2_000_000_000_000_000 {
		t.Fatalf("unexpected rate %s", v.Dec())
	}
	if got := FormatRate(v); got != "0.002" {
		t.Fatalf("unexpected rate format %s", got)
	}
	if _, err := ParseRate("1.5"); err == nil {
		t.Fatal("expected rate above one to fail")
	}
	if v, err := ParseRate("1"); err != nil || FormatRate(v) != "1" {
		t.Fatalf("expected full rate to parse, got %v", err)
	}
}
