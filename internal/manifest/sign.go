package manifest

import (
	"crypto/ed25519"
	"fmt"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// SelfSign signs the manifest's body hash with bsk and appends the result
// as the manifest's self-signature block. bsk's Ed25519 public half must
// match the manifest's id field, since the bundle ID is defined as the
// bundle's own signing public key. Matches rhizome_manifest_selfsign's
// choice to sign the body hash rather than the raw body.
func (m *Manifest) SelfSign(bsk rhizomeid.BSK) error {
	bid, ok := m.BID()
	if !ok {
		return fmt.Errorf("manifest: cannot self-sign without an id field")
	}
	priv := ed25519.PrivateKey(bsk.Bytes())
	pub := priv.Public().(ed25519.PublicKey)
	if !bytesEqual(pub, bid[:]) {
		return fmt.Errorf("manifest: bundle secret key does not match id field")
	}
	hash := m.BodyHash()
	sig := ed25519.Sign(priv, hash[:])
	m.AppendSignature(sig, pub)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Verify checks whether the manifest's first signatory block is a valid
// self-signature: its embedded public key must equal the id field, and its
// signature must verify over the body hash under that key. This mirrors
// the original's selfSigned check (memcmp of signatories[0] against the
// bundle's own public key), not merely "some signature verifies under id".
// It returns (true, nil) if so, (false, nil) if the first block is absent,
// mismatched, or does not verify, and a non-nil error only when the
// manifest itself is too malformed to check (e.g. no id field).
func (m *Manifest) Verify() (selfSigned bool, err error) {
	bid, ok := m.BID()
	if !ok {
		return false, fmt.Errorf("manifest: cannot verify without an id field")
	}
	if len(m.signatures) == 0 {
		return false, nil
	}
	first := m.signatures[0]
	if !bytesEqual(first.Pub[:], bid[:]) {
		return false, nil
	}
	hash := m.BodyHash()
	return ed25519.Verify(first.Pub[:], hash[:], first.Sig[:]), nil
}

// VerifyCosigner checks whether any signatory block's embedded public key
// equals identity and its signature verifies over the body hash, for
// bundles carrying additional co-signer signatures beyond the mandatory
// self-signature.
func (m *Manifest) VerifyCosigner(identity rhizomeid.Identity) bool {
	hash := m.BodyHash()
	for _, block := range m.signatures {
		if bytesEqual(block.Pub[:], identity[:]) && ed25519.Verify(block.Pub[:], hash[:], block.Sig[:]) {
			return true
		}
	}
	return false
}
