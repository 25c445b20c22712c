package fec

import "testing"

func TestGolayRoundTripNoErrors(t *testing.T) {
	for _, data := range []uint16{0, 1, 0xABC, 0xFFF, 0x555, 0x2A2} {
		cw := EncodeGolay24(data)
		got, ok := DecodeGolay24(cw)
		if !ok {
			t.Fatalf("decode(%#x) reported failure", data)
		}
		if got != data {
			t.Fatalf("decode(%#x) = %#x", data, got)
		}
	}
}

func TestGolayCorrectsUpToThreeBitErrors(t *testing.T) {
	data := uint16(0x345)
	cw := EncodeGolay24(data)
	for _, flips := range [][]uint{
		{0},
		{3, 10},
		{0, 11, 22},
	} {
		corrupted := cw
		for _, bit := range flips {
			corrupted ^= 1 << bit
		}
		got, ok := DecodeGolay23(corrupted & 0x7FFFFF)
		if !ok {
			t.Fatalf("flips=%v: decode reported failure", flips)
		}
		if got != data {
			t.Fatalf("flips=%v: got %#x, want %#x", flips, got, data)
		}
	}
}

func TestGolayTableCoversAllSyndromes(t *testing.T) {
	if len(golayTable) != 1<<11 {
		t.Fatalf("golay table has %d entries, want %d", len(golayTable), 1<<11)
	}
}
