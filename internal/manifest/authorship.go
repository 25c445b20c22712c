package manifest

import "github.com/servalmesh/rhizome/internal/rhizomeid"

// AuthorState classifies how confidently a manifest's authorship has been
// established, mirroring the progression a bundle goes through as its
// bundle key is disclosed and checked against local identities.
type AuthorState int

const (
	// AuthorAnonymous means the manifest carries no BK field at all, so no
	// author can ever be recovered from it.
	AuthorAnonymous AuthorState = iota
	// AuthorNotChecked means a BK is present but no attempt has yet been
	// made to recover and verify an author from it.
	AuthorNotChecked
	// AuthorAuthentic means an author identity was recovered from the BK
	// and its signature over the manifest verified.
	AuthorAuthentic
	// AuthorLocal means the recovered, authentic author matches an
	// identity held locally (this node can author new versions).
	AuthorLocal
	// AuthorRemote means the recovered, authentic author is a known
	// identity that is not held locally.
	AuthorRemote
	// AuthorImpostor means a BK recovery produced a candidate identity
	// whose signature failed to verify: someone is presenting a bundle
	// key that does not match the bundle's actual signing secret.
	AuthorImpostor
	// AuthorUnknown means the BK recovered a candidate identity that
	// could not be matched to any known local or remote identity.
	AuthorUnknown
	// AuthorAuthenticationError means recovery could not even be
	// attempted, e.g. the BK field itself is malformed.
	AuthorAuthenticationError
)

func (s AuthorState) String() string {
	switch s {
	case AuthorAnonymous:
		return "anonymous"
	case AuthorNotChecked:
		return "not-checked"
	case AuthorAuthentic:
		return "authentic"
	case AuthorLocal:
		return "local"
	case AuthorRemote:
		return "remote"
	case AuthorImpostor:
		return "impostor"
	case AuthorUnknown:
		return "unknown"
	case AuthorAuthenticationError:
		return "authentication-error"
	default:
		return "invalid"
	}
}

// IdentityResolver reports what a node knows about a recovered author
// identity, letting authorship resolution distinguish AuthorLocal (a
// keypair held locally), AuthorRemote (a keypair belonging to some other,
// previously seen subscriber) and AuthorUnknown (never seen at all),
// without this package depending on a keystore implementation.
type IdentityResolver interface {
	HasLocalSecret(rhizomeid.Identity) bool
	IsKnownRemote(rhizomeid.Identity) bool
}

// AuthorState returns the manifest's current authorship classification, as
// last computed by ResolveAuthor. A manifest that has never had
// ResolveAuthor called on it is AuthorAnonymous if it lacks a BK field, or
// AuthorNotChecked if it has one.
func (m *Manifest) AuthorState() AuthorState {
	if !m.Has(FieldBK) {
		return AuthorAnonymous
	}
	if !m.authorResolved {
		return AuthorNotChecked
	}
	return m.authorState
}

// Author returns the identity last recovered by ResolveAuthor, if any.
func (m *Manifest) Author() (rhizomeid.Identity, bool) {
	return m.author, m.hasAuthor
}

// ResolveAuthor classifies the manifest's authorship from a candidate
// author identity and a flag saying whether that candidate's signature
// over the manifest was verified. It neither recovers the candidate from
// the BK field nor checks the signature itself: the caller (the bundle
// package) does both and passes in the results.
func (m *Manifest) ResolveAuthor(resolver IdentityResolver, candidate rhizomeid.Identity, verified bool) {
	m.authorResolved = true
	if !m.Has(FieldBK) {
		m.authorState = AuthorAnonymous
		m.hasAuthor = false
		return
	}
	if !verified {
		m.authorState = AuthorImpostor
		m.author = candidate
		m.hasAuthor = true
		return
	}
	m.author = candidate
	m.hasAuthor = true
	switch {
	case resolver == nil:
		m.authorState = AuthorAuthentic
	case resolver.HasLocalSecret(candidate):
		m.authorState = AuthorLocal
	case resolver.IsKnownRemote(candidate):
		m.authorState = AuthorRemote
	default:
		m.authorState = AuthorUnknown
	}
}

// MarkAuthenticationError records that author recovery could not be
// attempted at all, e.g. because the BK field failed to parse.
func (m *Manifest) MarkAuthenticationError() {
	m.authorResolved = true
	m.authorState = AuthorAuthenticationError
	m.hasAuthor = false
}
