package manifest

import "testing"

func TestInspectMatchesParsedFields(t *testing.T) {
	m, _ := newSelfSigned(t, 7, 0)
	packed := m.Pack()

	summary, ok := Inspect(packed)
	if !ok {
		t.Fatal("Inspect returned ok = false")
	}
	bid, hasBID := m.BID()
	if !hasBID {
		t.Fatal("manifest has no id field")
	}
	if summary.BID != bid {
		t.Fatalf("summary.BID = %s, want %s", summary.BID, bid)
	}
	if summary.Version != 7 {
		t.Fatalf("summary.Version = %d, want 7", summary.Version)
	}

	parsed, err := Parse(packed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(packed[:summary.BodyLen]) != string(parsed.packBodyOnly()) {
		t.Fatalf("summary.BodyLen does not point past the body's NUL terminator")
	}
}

func TestInspectFailsOnDuplicateVersionField(t *testing.T) {
	buf := []byte("id=" + makeHexID() + "\nversion=1\nversion=2\n\x00")
	if _, ok := Inspect(buf); ok {
		t.Fatal("Inspect should reject a duplicate version field")
	}
}

func TestInspectFailsWithoutIDOrVersion(t *testing.T) {
	buf := []byte("service=file\n\x00")
	if _, ok := Inspect(buf); ok {
		t.Fatal("Inspect should fail without id and version fields")
	}
}

func TestInspectIgnoresExtraFieldsButReportsFullBodyLen(t *testing.T) {
	m, _ := newSelfSigned(t, 3, 0)
	_ = mustSetUnchecked(m, "name", "notes.txt")
	packed := m.Pack()

	summary, ok := Inspect(packed)
	if !ok {
		t.Fatal("Inspect returned ok = false")
	}
	if summary.Version != 3 {
		t.Fatalf("summary.Version = %d, want 3", summary.Version)
	}
	if want := len(m.packBodyOnly()); summary.BodyLen != want {
		t.Fatalf("summary.BodyLen = %d, want %d", summary.BodyLen, want)
	}
}

func mustSetUnchecked(m *Manifest, label, value string) error {
	return m.Set(label, value)
}

func makeHexID() string {
	return "0000000000000000000000000000000000000000000000000000000000000000"[:64]
}
