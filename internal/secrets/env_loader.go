package secrets

import "os"

// EnvLoader builds a Loader that snapshots the named environment
// variables. Unset and empty variables are left out of the snapshot so
// Vault.Get reports them as missing.
func EnvLoader(names ...string) Loader {
	return func() (map[string]string, error) {
		snap := make(map[string]string, len(names))
		for _, name := range names {
			if val, ok := os.LookupEnv(name); ok && val != "" {
				snap[name] = val
			}
		}
		return snap, nil
	}
}
