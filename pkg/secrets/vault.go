package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/patchplane/patchplane/pkg/models"
)

// VaultProvider resolves credentials from a Vault (or OpenBao) KV v2 mount.
// Each asset's credential reference is the secret path under the mount; the
// secret's data may carry `private_key`, `passphrase`, and `password` fields.
type VaultProvider struct {
	client    *vault.Client
	mountPath string
}

// VaultConfig configures the Vault provider.
type VaultConfig struct {
	Address   string
	Token     string
	MountPath string
}

// NewVaultProvider creates a Vault-backed credential provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}

	return &VaultProvider{client: client, mountPath: mount}, nil
}

// ResolveCredential reads the asset's credential from the KV mount.
func (p *VaultProvider) ResolveCredential(ctx context.Context, asset *models.Asset) (*Credential, error) {
	if asset.CredentialRef == "" {
		return nil, ErrNotFound
	}

	secret, err := p.client.KVv2(p.mountPath).Get(ctx, asset.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("vault read failed for asset %s: %w", asset.ID, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	cred := &Credential{}
	if v, ok := secret.Data["private_key"].(string); ok {
		cred.PrivateKey = []byte(v)
	}
	if v, ok := secret.Data["passphrase"].(string); ok {
		cred.Passphrase = v
	}
	if v, ok := secret.Data["password"].(string); ok {
		cred.Password = v
	}

	if len(cred.PrivateKey) == 0 && cred.Password == "" {
		return nil, fmt.Errorf("secret %q holds neither private_key nor password", asset.CredentialRef)
	}

	return cred, nil
}
