package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "mpai-server-go/internal/platform/testing"
)

func TestEnvKeyManager(t *testing.T) {
	km := NewEnvKeyManager("MPAI_")
	km.lookup = func(key string) (string, bool) {
		if key == "MPAI_OPENAI_COMPAT_API_KEY" {
			return " sk-env ", true
		}
		return "", false
	}

	key, err := km.GetAPIKey(context.Background(), "openai-compat")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)

	key, err = km.GetAPIKey(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestDatabaseKeyManager(t *testing.T) {
	db := testutil.SetupTestDB(t)
	km := NewDatabaseKeyManager(db)
	ctx := context.Background()

	key, err := km.GetAPIKey(ctx, "openai")
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, km.SetAPIKey(ctx, "openai", "sk-1"))
	require.NoError(t, km.SetAPIKey(ctx, "openai", "sk-2"))

	key, err = km.GetAPIKey(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-2", key)
}

func TestChain_GlobalLookupIsLazy(t *testing.T) {
	t.Cleanup(func() { RegisterKeyManager(DefaultKeyManagerName, nil) })

	chain := NewChain(nil, nil, nil)
	key, err := chain.GetAPIKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Empty(t, key)

	RegisterKeyManager(DefaultKeyManagerName, StaticKeyManager{"openai": "late"})
	key, err = chain.GetAPIKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "late", key)
}
