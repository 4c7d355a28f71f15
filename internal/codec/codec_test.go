package codec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 16, 24, 32, 1024} {
		b, err := RandomBytes(n)
		if err != nil {
			t.Fatalf("random: %v", err)
		}
		out, err := Decode(Encode(b))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(b, out) {
			t.Fatalf("round trip mismatch at n=%d", n)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode("not//valid??base64!"); err != ErrMalformedToken {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestFreshRandomness(t *testing.T) {
	a, err := NewIV()
	if err != nil {
		t.Fatalf("iv: %v", err)
	}
	b, err := NewIV()
	if err != nil {
		t.Fatalf("iv: %v", err)
	}
	if len(a) != IVSize || len(b) != IVSize {
		t.Fatalf("iv sizes %d %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Fatal("expected distinct IVs")
	}
	s1, err := NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	s2, err := NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	if bytes.Equal(s1, s2) {
		t.Fatal("expected distinct salts")
	}
}

func FuzzDecode(f *testing.F) {
	f.Add("aGVsbG8=")
	f.Add("")
	f.Add("!!!")
	f.Fuzz(func(t *testing.T, s string) {
		b, err := Decode(s)
		if err != nil {
			return
		}
		if Encode(b) == "" && len(b) > 0 {
			t.Fatal("non-empty buffer encoded to empty token")
		}
	})
}
