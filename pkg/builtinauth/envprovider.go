package builtinauth

import (
	"context"
	"os"
)

// EnvProviderName is the registry key EnvProvider registers under.
const EnvProviderName = "env"

// EnvProvider resolves {{$env:KEY}} lookups against the process
// environment. It's the one concrete value-provider plugin the runtime
// ships built in, so the Loader/Registry/Resolver pipeline has
// something to exercise end-to-end without requiring an external
// plugin directory to supply a "vault" of some kind.
type EnvProvider struct{}

func (EnvProvider) GetValue(ctx context.Context, key string, config map[string]interface{}) (*string, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}
	return &value, nil
}
