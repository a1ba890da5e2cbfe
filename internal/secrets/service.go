package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/model"
)

// Service seals and opens Credential secret material. Plaintext never
// reaches the store or API responses; only ciphertext+nonce are
// persisted.
type Service struct {
	keys  *MasterKeyProvider
	creds store.CredentialStore
}

// NewService creates a Service over the master key and credential rows.
func NewService(keys *MasterKeyProvider, creds store.CredentialStore) *Service {
	return &Service{keys: keys, creds: creds}
}

// Seal encrypts secret into c's ciphertext/nonce fields.
func (s *Service) Seal(c *model.Credential, secret string) error {
	ciphertext, nonce, err := Encrypt([]byte(secret), s.keys.Key())
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	c.SecretCiphertext = ciphertext
	c.SecretNonce = nonce
	return nil
}

// Open decrypts c's secret material.
func (s *Service) Open(c *model.Credential) (string, error) {
	plaintext, err := Decrypt(c.SecretCiphertext, c.SecretNonce, s.keys.Key())
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	return string(plaintext), nil
}

// ResolveEnv decrypts every credential of the project into the env map
// passed to the agent start call: api_key credentials become
// <PROVIDER>_API_KEY, oauth credentials <PROVIDER>_OAUTH_TOKEN.
func (s *Service) ResolveEnv(ctx context.Context, projectID string) (map[string]string, error) {
	creds, err := s.creds.ListCredentials(ctx, projectID)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(creds))
	for _, c := range creds {
		secret, err := s.Open(c)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", c.ID, err)
		}
		prefix := envPrefix(c.Provider)
		switch c.AuthType {
		case model.CredentialAuthOAuth:
			env[prefix+"_OAUTH_TOKEN"] = secret
		default:
			env[prefix+"_API_KEY"] = secret
		}
	}
	return env, nil
}

// envPrefix normalizes a provider tag into an env var prefix.
func envPrefix(provider string) string {
	upper := strings.ToUpper(provider)
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
