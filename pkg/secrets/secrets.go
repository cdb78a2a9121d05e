// Package secrets resolves host credentials from an external secret source.
// Credentials are handled per-operation and never persisted on asset objects.
package secrets

import (
	"context"
	"errors"

	"github.com/patchplane/patchplane/pkg/models"
)

// ErrNotFound is returned when no credential exists for the given reference.
var ErrNotFound = errors.New("credential not found")

// Credential is an opaque bearer of either a private key (with optional
// passphrase) or a password. It redacts itself from formatting output so a
// stray log line can never leak secret material.
type Credential struct {
	PrivateKey []byte
	Passphrase string
	Password   string
}

// String implements fmt.Stringer with a redacted representation.
func (c *Credential) String() string { return "credential(redacted)" }

// GoString implements fmt.GoStringer with a redacted representation.
func (c *Credential) GoString() string { return "credential(redacted)" }

// MarshalJSON always emits a redacted placeholder.
func (c *Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"redacted"`), nil
}

// Provider resolves the credential for an asset.
type Provider interface {
	ResolveCredential(ctx context.Context, asset *models.Asset) (*Credential, error)
}

// StaticProvider serves credentials from an in-memory map keyed by credential
// reference. Used in tests and development mode.
type StaticProvider struct {
	creds map[string]*Credential
}

// NewStaticProvider creates a provider over a fixed credential map.
func NewStaticProvider(creds map[string]*Credential) *StaticProvider {
	if creds == nil {
		creds = make(map[string]*Credential)
	}
	return &StaticProvider{creds: creds}
}

// Set registers a credential under the given reference.
func (p *StaticProvider) Set(ref string, cred *Credential) {
	p.creds[ref] = cred
}

// ResolveCredential looks up the asset's credential reference.
func (p *StaticProvider) ResolveCredential(ctx context.Context, asset *models.Asset) (*Credential, error) {
	cred, ok := p.creds[asset.CredentialRef]
	if !ok {
		return nil, ErrNotFound
	}
	return cred, nil
}
