package bitfield

import "testing"

func TestSetTestClear(t *testing.T) {
	bf := New(10)
	if bf.Count() != 0 {
		t.Fatal("expected zero count")
	}
	bf.Set(0)
	bf.Set(9)
	if !bf.Test(0) || !bf.Test(9) {
		t.Fatal("expected bits 0 and 9 set")
	}
	if bf.Test(1) {
		t.Fatal("bit 1 should not be set")
	}
	if bf.Count() != 2 {
		t.Fatalf("expected count 2, got %d", bf.Count())
	}
	bf.Clear(0)
	if bf.Test(0) {
		t.Fatal("bit 0 should be cleared")
	}
}

func TestRoundTrip(t *testing.T) {
	bf := New(20)
	for _, i := range []uint32{0, 3, 7, 8, 15, 19} {
		bf.Set(i)
	}
	decoded := NewBytes(bf.Bytes(), bf.Len())
	for i := uint32(0); i < 20; i++ {
		if bf.Test(i) != decoded.Test(i) {
			t.Fatalf("mismatch at bit %d", i)
		}
	}
}

func TestPaddingBoundary(t *testing.T) {
	bf := New(9) // needs 2 bytes, 7 padding bits
	if len(bf.Bytes()) != 2 {
		t.Fatalf("expected 2 bytes, got %d", len(bf.Bytes()))
	}
	bf.Set(8)
	if bf.Bytes()[1] != 0x80 {
		t.Fatalf("expected MSB of second byte set, got %08b", bf.Bytes()[1])
	}
}

func TestNumBytesMatchesNewBytesExpectation(t *testing.T) {
	for _, numPieces := range []uint32{0, 1, 7, 8, 9, 100} {
		bf := New(numPieces)
		if uint32(len(bf.Bytes())) != NumBytes(numPieces) {
			t.Fatalf("NumBytes(%d) = %d, want %d", numPieces, NumBytes(numPieces), len(bf.Bytes()))
		}
	}
}

func TestAll(t *testing.T) {
	bf := New(3)
	if bf.All() {
		t.Fatal("empty bitfield should not be All")
	}
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	if !bf.All() {
		t.Fatal("expected All() true")
	}
}
