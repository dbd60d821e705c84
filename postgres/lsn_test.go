package postgres

import "testing"

func TestParseLSNRoundTrip(t *testing.T) {
	cases := []string{"0/0", "0/16B3748", "16AE7F8/0", "FFFFFFFF/FFFFFFFF"}
	for _, c := range cases {
		lsn, err := ParseLSN(c)
		if err != nil {
			t.Fatalf("ParseLSN(%q): %v", c, err)
		}
		if got := FormatLSN(lsn); got != c {
			t.Errorf("round trip %q: got %q", c, got)
		}
	}
}

func TestParseLSNOrdering(t *testing.T) {
	a, err := ParseLSN("0/16B3748")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseLSN("1/0")
	if err != nil {
		t.Fatal(err)
	}
	if a >= b {
		t.Fatalf("expected 0/16B3748 < 1/0 as flat offsets, got %d >= %d", a, b)
	}
}

func TestParseLSNMalformed(t *testing.T) {
	cases := []string{"", "no-slash-here", "zz/10", "10/zz"}
	for _, c := range cases {
		if _, err := ParseLSN(c); err == nil {
			t.Errorf("ParseLSN(%q): expected an error", c)
		}
	}
}
