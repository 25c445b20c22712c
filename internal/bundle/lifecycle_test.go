package bundle

import (
	"crypto/ed25519"
	"testing"

	"github.com/servalmesh/rhizome/internal/manifest"
	"github.com/servalmesh/rhizome/internal/payloadstore"
	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

func newTestIdentity(t *testing.T) (rhizomeid.BID, rhizomeid.BSK) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var bid rhizomeid.BID
	copy(bid[:], pub)
	var bsk rhizomeid.BSK
	copy(bsk[:], priv)
	return bid, bsk
}

func openTestLifecycle(t *testing.T) *Lifecycle {
	t.Helper()
	store, err := payloadstore.Open(payloadstore.Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil)
}

func TestComposeNewBundleWithPayload(t *testing.T) {
	l := openTestLifecycle(t)
	res := l.Compose(ComposeRequest{
		Fields:   map[string]string{manifest.FieldService: "file"},
		Filename: "notes.txt",
		Payload:  []byte("hello rhizome"),
	})
	if res.Status != StatusNew {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if res.BID == "" {
		t.Fatal("expected a bundle id to be assigned")
	}
}

func TestComposeEmptyPayloadSetsZeroFilesize(t *testing.T) {
	l := openTestLifecycle(t)
	res := l.Compose(ComposeRequest{
		Fields: map[string]string{manifest.FieldService: "file"},
	})
	if res.Status != StatusNew {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	m := loadStoredManifest(t, l, res.BID)
	if v, _ := m.Get(manifest.FieldFilesize); v != "0" {
		t.Fatalf("filesize = %q, want 0", v)
	}
}

func loadStoredManifest(t *testing.T, l *Lifecycle, bidHex string) *manifest.Manifest {
	t.Helper()
	bid, _, ok := rhizomeid.ParseBID(bidHex)
	if !ok {
		t.Fatalf("malformed bid %q", bidHex)
	}
	packed, found, err := l.store.GetManifest(bid)
	if err != nil || !found {
		t.Fatalf("GetManifest: found=%v err=%v", found, err)
	}
	m, err := manifest.Parse(packed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func TestComposeDeduplicatesIdenticalBundle(t *testing.T) {
	l := openTestLifecycle(t)
	fields := map[string]string{
		manifest.FieldService: "file",
		manifest.FieldName:    "notes.txt",
	}
	first := l.Compose(ComposeRequest{Fields: fields, Payload: []byte("same bytes")})
	if first.Status != StatusNew {
		t.Fatalf("first status = %v, err = %v", first.Status, first.Err)
	}

	second := l.Compose(ComposeRequest{Fields: copyFields(fields), Payload: []byte("same bytes")})
	if second.Status != StatusDuplicate {
		t.Fatalf("second status = %v, want duplicate", second.Status)
	}
	if second.BID != first.BID {
		t.Fatalf("duplicate bid = %s, want %s", second.BID, first.BID)
	}
}

func TestComposeSetsCryptWhenRecipientGiven(t *testing.T) {
	l := openTestLifecycle(t)
	var recipient [32]byte
	recipient[0] = 0x42
	hexRecipient := bytesToHex(recipient[:])

	res := l.Compose(ComposeRequest{
		Fields: map[string]string{
			manifest.FieldService:   "file",
			manifest.FieldRecipient: hexRecipient,
		},
		Payload: []byte("secret contents"),
	})
	if res.Status != StatusNew {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	m := loadStoredManifest(t, l, res.BID)
	if v, _ := m.Get(manifest.FieldCrypt); v != "1" {
		t.Fatalf("crypt = %q, want 1", v)
	}
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestAppendJournalAdvancesAndExtends(t *testing.T) {
	l := openTestLifecycle(t)
	bid, bsk := newTestIdentity(t)

	genesis := l.Compose(ComposeRequest{
		Fields: map[string]string{
			manifest.FieldService: "file",
			manifest.FieldTail:    "0",
		},
		Journal: true,
		Payload: []byte("ABCD"),
		BSK:     &bsk,
	})
	if genesis.Status != StatusNew {
		t.Fatalf("genesis status = %v, err = %v", genesis.Status, genesis.Err)
	}
	if genesis.BID != bid.String() {
		t.Fatalf("genesis bid = %s, want %s", genesis.BID, bid.String())
	}

	appended := l.AppendJournal(AppendJournalRequest{
		BID:       bid,
		BSK:       bsk,
		AdvanceBy: 1,
		Append:    []byte("E"),
	})
	if appended.Status != StatusNew {
		t.Fatalf("append status = %v, err = %v", appended.Status, appended.Err)
	}

	packed, ok, err := l.store.GetManifest(bid)
	if err != nil || !ok {
		t.Fatalf("GetManifest: ok=%v err=%v", ok, err)
	}
	m, err := manifest.Parse(packed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, _ := m.Get(manifest.FieldTail); v != "1" {
		t.Fatalf("tail = %q, want 1", v)
	}
	if v, _ := m.Get(manifest.FieldFilesize); v != "4" {
		t.Fatalf("filesize = %q, want 4", v)
	}
	if v, _ := m.Get(manifest.FieldVersion); v != "5" {
		t.Fatalf("version = %q, want 5", v)
	}
	if selfSigned, err := m.Verify(); err != nil || !selfSigned {
		t.Fatalf("Verify() = %v, %v, want true, nil", selfSigned, err)
	}
}

func TestAppendJournalRejectsNonJournalManifest(t *testing.T) {
	l := openTestLifecycle(t)
	bid, bsk := newTestIdentity(t)

	res := l.Compose(ComposeRequest{
		Fields:  map[string]string{manifest.FieldService: "file"},
		Payload: []byte("hello"),
		BSK:     &bsk,
	})
	if res.Status != StatusNew {
		t.Fatalf("compose status = %v, err = %v", res.Status, res.Err)
	}

	appended := l.AppendJournal(AppendJournalRequest{
		BID:    bid,
		BSK:    bsk,
		Append: []byte("!"),
	})
	if appended.Status != StatusInvalid {
		t.Fatalf("append status = %v, want invalid", appended.Status)
	}
}

func TestAppendJournalRejectsEncryptedPayload(t *testing.T) {
	l := openTestLifecycle(t)
	bid, bsk := newTestIdentity(t)
	var recipient [32]byte
	recipient[0] = 0x7

	res := l.Compose(ComposeRequest{
		Fields: map[string]string{
			manifest.FieldService:   "file",
			manifest.FieldTail:      "0",
			manifest.FieldRecipient: bytesToHex(recipient[:]),
		},
		Journal: true,
		Payload: []byte("ABCD"),
		BSK:     &bsk,
	})
	if res.Status != StatusNew {
		t.Fatalf("compose status = %v, err = %v", res.Status, res.Err)
	}

	appended := l.AppendJournal(AppendJournalRequest{
		BID:       bid,
		BSK:       bsk,
		AdvanceBy: 1,
		Append:    []byte("E"),
	})
	if appended.Status != StatusInvalid {
		t.Fatalf("append status = %v, want invalid", appended.Status)
	}
}

func TestIngestManifestReportsSameForStoredVersion(t *testing.T) {
	l := openTestLifecycle(t)
	bid, bsk := newTestIdentity(t)

	res := l.Compose(ComposeRequest{
		Fields:  map[string]string{manifest.FieldService: "file"},
		Payload: []byte("hello"),
		BSK:     &bsk,
	})
	if res.Status != StatusNew {
		t.Fatalf("compose status = %v, err = %v", res.Status, res.Err)
	}

	packed, ok, err := l.store.GetManifest(bid)
	if err != nil || !ok {
		t.Fatalf("GetManifest: ok=%v err=%v", ok, err)
	}

	same := l.IngestManifest(packed)
	if same.Status != StatusSame {
		t.Fatalf("ingest same status = %v, want same", same.Status)
	}
}

func bytesToHex(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hex[c>>4]
		out[i*2+1] = hex[c&0xf]
	}
	return string(out)
}
