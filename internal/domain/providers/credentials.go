package providers

import (
	"context"
	stderrors "errors"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mpai-server-go/internal/platform/logging"
	"mpai-server-go/internal/platform/storage"
)

// DefaultKeyManagerName is the global name consulted when no key manager is injected.
const DefaultKeyManagerName = "default"

// KeyManager resolves the API key for a provider. An empty key with a nil
// error means "not configured here".
type KeyManager interface {
	GetAPIKey(ctx context.Context, provider string) (string, error)
}

// KeyManagerFunc adapts a function into a KeyManager.
type KeyManagerFunc func(ctx context.Context, provider string) (string, error)

func (f KeyManagerFunc) GetAPIKey(ctx context.Context, provider string) (string, error) {
	return f(ctx, provider)
}

// StaticKeyManager serves keys from a fixed map.
type StaticKeyManager map[string]string

func (m StaticKeyManager) GetAPIKey(_ context.Context, provider string) (string, error) {
	return strings.TrimSpace(m[provider]), nil
}

// EnvKeyManager reads <Prefix><PROVIDER>_API_KEY from the environment.
type EnvKeyManager struct {
	Prefix string
	lookup func(string) (string, bool)
}

func NewEnvKeyManager(prefix string) *EnvKeyManager {
	return &EnvKeyManager{Prefix: prefix, lookup: os.LookupEnv}
}

func (m *EnvKeyManager) GetAPIKey(_ context.Context, provider string) (string, error) {
	v, _ := m.lookup(m.VariableFor(provider))
	return strings.TrimSpace(v), nil
}

// VariableFor returns the environment variable consulted for provider.
func (m *EnvKeyManager) VariableFor(provider string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, provider)
	return m.Prefix + name + "_API_KEY"
}

// DatabaseKeyManager stores keys in the provider_credentials table.
type DatabaseKeyManager struct {
	db *gorm.DB
}

func NewDatabaseKeyManager(db *gorm.DB) *DatabaseKeyManager {
	return &DatabaseKeyManager{db: db}
}

func (m *DatabaseKeyManager) GetAPIKey(ctx context.Context, provider string) (string, error) {
	var cred storage.ProviderCredential
	err := m.db.WithContext(ctx).Where("provider = ?", provider).First(&cred).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(cred.APIKey), nil
}

// SetAPIKey upserts the key for provider.
func (m *DatabaseKeyManager) SetAPIKey(ctx context.Context, provider, key string) error {
	cred := storage.ProviderCredential{Provider: provider, APIKey: key, UpdatedAt: time.Now()}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "updated_at"}),
	}).Create(&cred).Error
}

var (
	globalMu       sync.RWMutex
	globalManagers = map[string]KeyManager{}
)

// RegisterKeyManager makes km discoverable under name. A nil km removes it.
func RegisterKeyManager(name string, km KeyManager) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if km == nil {
		delete(globalManagers, name)
		return
	}
	globalManagers[name] = km
}

func LookupKeyManager(name string) (KeyManager, bool) {
	globalMu.RLock()
	defer globalMu.RUnlock()
	km, ok := globalManagers[name]
	return km, ok
}

type globalKeyManager struct {
	name string
}

func (g globalKeyManager) GetAPIKey(ctx context.Context, provider string) (string, error) {
	km, ok := LookupKeyManager(g.name)
	if !ok {
		return "", nil
	}
	return km.GetAPIKey(ctx, provider)
}

type link struct {
	name string
	km   KeyManager
}

// Chain tries its resolvers in order and returns the first non-empty key.
// Resolver errors are logged and skipped.
type Chain struct {
	links  []link
	logger logging.TagLogger
}

// NewChain builds injected -> global "default" (only when nothing was
// injected) -> legacy.
func NewChain(injected KeyManager, legacy KeyManager, logger logging.TagLogger) *Chain {
	if logger == nil {
		logger = logging.Discard
	}
	c := &Chain{logger: logger}
	if injected != nil {
		c.links = append(c.links, link{name: "injected", km: injected})
	} else {
		c.links = append(c.links, link{name: "global:" + DefaultKeyManagerName, km: globalKeyManager{name: DefaultKeyManagerName}})
	}
	if legacy != nil {
		c.links = append(c.links, link{name: "legacy", km: legacy})
	}
	return c
}

func (c *Chain) GetAPIKey(ctx context.Context, provider string) (string, error) {
	for _, l := range c.links {
		key, err := l.km.GetAPIKey(ctx, provider)
		if err != nil {
			c.logger.WarnTag(logging.TagLLM, "key resolver %s failed for %s: %v", l.name, provider, err)
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			c.logger.DebugTag(logging.TagLLM, "API key for %s resolved by %s", provider, l.name)
			return key, nil
		}
	}
	return "", nil
}
