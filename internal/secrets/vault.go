// Package secrets keeps API credentials out of config structs and logs.
package secrets

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Environment variables the service reads secrets from.
const (
	KeyGenerationAPIKey = "REELSTUDIO_GENERATION_API_KEY"
	KeyMCPAPIKey        = "REELSTUDIO_MCP_API_KEY"
	KeyOTLPHeaders      = "OTEL_EXPORTER_OTLP_HEADERS"
)

// Loader fetches the full secret set from its source. EnvLoader is the
// default; a file or remote vault loader satisfies the same contract.
type Loader func() (map[string]string, error)

// Vault serves point-in-time snapshots of loaded secrets. Lookups never
// block: Reload swaps the whole snapshot atomically, and a failed reload
// keeps the previous one in place.
type Vault struct {
	snapshot atomic.Pointer[map[string]string]
	loader   Loader
}

// NewVault runs the loader once so a misconfigured source fails at
// startup rather than on first use.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	v := &Vault{loader: loader}
	v.snapshot.Store(&vals)
	return v, nil
}

// Get returns the secret for key, or "" when it was not loaded.
func (v *Vault) Get(key string) string {
	return (*v.snapshot.Load())[key]
}

// Keys lists the names of loaded secrets, never their values.
func (v *Vault) Keys() []string {
	snap := *v.snapshot.Load()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	return keys
}

// Redacted is the log-safe form of Get.
func (v *Vault) Redacted(key string) string {
	val := v.Get(key)
	if val == "" {
		return ""
	}
	return mask(val)
}

// RedactString masks every loaded secret value occurring in s. Values
// shorter than 4 characters are skipped so ordinary words survive.
func (v *Vault) RedactString(s string) string {
	for _, val := range *v.snapshot.Load() {
		if len(val) >= 4 {
			s = strings.ReplaceAll(s, val, mask(val))
		}
	}
	return s
}

// Reload fetches a fresh secret set and swaps it in. On loader error the
// current snapshot survives untouched.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.snapshot.Store(&vals)
	return nil
}

func mask(val string) string {
	if len(val) <= 4 {
		return "****"
	}
	return val[:2] + "****"
}
