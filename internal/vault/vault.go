package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "paf"

// Vault resolves endpoint credential values. Profiles may carry a literal
// secret or a reference that is resolved at request time:
//
//   - "env:VARIABLE_NAME"  : environment variable
//   - "keyring:ACCOUNT"    : OS keychain entry under the "paf" service
//   - anything else        : used literally
//
// References keep secrets out of the hand-edited per-service config files.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores a secret in the OS keychain under the given account name.
func (v *Vault) Set(account, secret string) error {
	return keyring.Set(serviceName, account, secret)
}

// Get retrieves a secret from the OS keychain.
func (v *Vault) Get(account string) (string, error) {
	secret, err := keyring.Get(serviceName, account)
	if err != nil {
		return "", fmt.Errorf("vault: account %q: %w", account, err)
	}
	return secret, nil
}

// Delete removes a secret from the OS keychain.
func (v *Vault) Delete(account string) error {
	return keyring.Delete(serviceName, account)
}

// Resolve expands a credential value. Literal values pass through unchanged;
// resolution failures return an error so the forwarder can surface a clear
// configuration fault instead of sending a bogus credential upstream.
func (v *Vault) Resolve(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "env:"):
		name := strings.TrimPrefix(value, "env:")
		if val := os.Getenv(name); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("vault: environment variable %q is not set", name)

	case strings.HasPrefix(value, "keyring:"):
		account := strings.TrimPrefix(value, "keyring:")
		if account == "" {
			return "", fmt.Errorf("vault: empty keyring account in %q", value)
		}
		return v.Get(account)

	default:
		return value, nil
	}
}
