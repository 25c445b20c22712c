package rhizomeid

import (
	"strings"
	"testing"
)

func TestParseSIDBroadcast(t *testing.T) {
	sid, consumed, ok := ParseSID("broadcast")
	if !ok {
		t.Fatal("expected broadcast to parse")
	}
	if consumed != len("broadcast") {
		t.Fatalf("consumed = %d, want %d", consumed, len("broadcast"))
	}
	if !sid.IsBroadcast() {
		t.Fatalf("sid = %x, want all-ones", sid)
	}
}

func TestParseSIDHex(t *testing.T) {
	hex := strings.Repeat("ff", SIDSize)
	sid, consumed, ok := ParseSID(hex)
	if !ok {
		t.Fatal("expected hex SID to parse")
	}
	if consumed != len(hex) {
		t.Fatalf("consumed = %d, want %d", consumed, len(hex))
	}
	if sid != BroadcastSID {
		t.Fatalf("sid = %x, want broadcast bytes", sid)
	}
}

func TestParseSIDInvalid(t *testing.T) {
	if _, _, ok := ParseSID("not-hex-at-all-xx"); ok {
		t.Fatal("expected invalid SID to fail")
	}
	if _, _, ok := ParseSID(strings.Repeat("a", SIDSize*2-1)); ok {
		t.Fatal("expected short SID to fail")
	}
}

func TestBSKRawHex(t *testing.T) {
	hex := strings.Repeat("11", BSKSize)
	bsk, ok := ParseBSK(hex)
	if !ok {
		t.Fatal("expected raw hex bsk to parse")
	}
	if ToHex(bsk.Bytes()) != hex {
		t.Fatalf("round trip mismatch: got %s want %s", ToHex(bsk.Bytes()), hex)
	}
}

func TestBSKPassphrase(t *testing.T) {
	a, ok := ParseBSK("#correct horse battery staple")
	if !ok {
		t.Fatal("expected passphrase bsk to parse")
	}
	b, ok := ParseBSK("#correct horse battery staple")
	if !ok {
		t.Fatal("expected passphrase bsk to parse")
	}
	if a != b {
		t.Fatal("same passphrase must yield same bundle secret")
	}
	c, _ := ParseBSK("#different phrase")
	if a == c {
		t.Fatal("different passphrases must yield different bundle secrets")
	}
}

func TestBSKEmptyPassphraseRejected(t *testing.T) {
	if _, ok := ParseBSK("#"); ok {
		t.Fatal("expected empty passphrase to be rejected")
	}
}

func TestLittleEndianRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	PutUint64(buf, 0x0102030405060708)
	if got := Uint64(buf); got != 0x0102030405060708 {
		t.Fatalf("Uint64 = %x", got)
	}
	if buf[0] != 0x08 || buf[7] != 0x01 {
		t.Fatalf("expected little-endian byte order, got %x", buf)
	}
}

func TestCompareBytes(t *testing.T) {
	a := BID{0x01}
	b := BID{0x02}
	if a.Compare(b) >= 0 {
		t.Fatal("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Fatal("expected b > a")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}
}
