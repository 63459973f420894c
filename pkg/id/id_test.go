package id

import (
	"bytes"
	"testing"
)

func TestNextMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		cur := g.Next()
		if cur.Compare(prev) <= 0 {
			t.Fatalf("id %s not greater than %s", cur, prev)
		}
		prev = cur
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	want := g.Next()
	got, err := Parse(want.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %s != %s", got, want)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := Parse("zz"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestFromBytes(t *testing.T) {
	g := NewGenerator()
	want := g.Next()
	got, err := FromBytes(want.Bytes())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatalf("bytes mismatch")
	}
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short slice")
	}
}

func TestClockBackwardsStillMonotonic(t *testing.T) {
	g := NewGenerator()
	orig := NowMs
	defer func() { NowMs = orig }()

	now := int64(1_000_000)
	NowMs = func() int64 { return now }
	a := g.Next()
	now = 999_999 // clock went backwards
	b := g.Next()
	if b.Compare(a) <= 0 {
		t.Fatalf("id after clock regression not greater: %s <= %s", b, a)
	}
}
