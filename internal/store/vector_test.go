package store

import "testing"

func TestVectorLiteralRoundTrip(t *testing.T) {
	in := []float32{0.25, -1, 0.0001, 42}
	lit, err := encodeVectorLiteral(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decode %q: %v", lit, err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("component %d: %v != %v", i, in[i], out[i])
		}
	}
}

func TestEncodeVectorLiteralEmpty(t *testing.T) {
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
}
