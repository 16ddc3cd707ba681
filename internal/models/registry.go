package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/doctrine-review/inkwell/internal/secrets"
	"github.com/doctrine-review/inkwell/internal/store"
)

// ProviderEntry holds one seeded model row with its lazily-initialized
// chat model. Initialization happens at most once; a failure sticks
// until restart so a misconfigured provider fails fast on every task.
type ProviderEntry struct {
	Row    store.AIModel
	Config ModelConfig
	model  model.ToolCallingChatModel
	once   sync.Once
	err    error
}

// Registry resolves seeded AI model rows into ready chat models.
type Registry struct {
	keeper     *secrets.Keeper
	defaultKey string

	mu    sync.RWMutex
	byKey map[string]*ProviderEntry
	byID  map[string]*ProviderEntry
}

// NewRegistry indexes the seeded rows. Config blobs are parsed eagerly
// so a corrupt row surfaces at boot, not mid-pipeline. defaultKey may
// be empty, in which case the row flagged default wins.
func NewRegistry(rows []store.AIModel, defaultKey string, keeper *secrets.Keeper) (*Registry, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no AI models configured")
	}

	r := &Registry{
		keeper: keeper,
		byKey:  make(map[string]*ProviderEntry, len(rows)),
		byID:   make(map[string]*ProviderEntry, len(rows)),
	}

	for _, row := range rows {
		cfg, err := ParseConfig(row.Config)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", row.Key, err)
		}
		if !KnownProvider(row.Provider) {
			return nil, fmt.Errorf("model %s: unknown provider %q", row.Key, row.Provider)
		}
		entry := &ProviderEntry{Row: row, Config: cfg}
		r.byKey[row.Key] = entry
		r.byID[row.ID] = entry
		if row.IsDefault && r.defaultKey == "" {
			r.defaultKey = row.Key
		}
	}

	if defaultKey != "" {
		if _, ok := r.byKey[defaultKey]; !ok {
			return nil, fmt.Errorf("default model %q not seeded", defaultKey)
		}
		r.defaultKey = defaultKey
	}
	if r.defaultKey == "" {
		r.defaultKey = rows[0].Key
	}
	return r, nil
}

// Resolved is a ready-to-call chat model with its configured identity.
type Resolved struct {
	ID    string
	Key   string
	Model model.BaseChatModel
}

// Get returns the chat model for a key, initializing it lazily.
func (r *Registry) Get(ctx context.Context, key string) (model.ToolCallingChatModel, error) {
	r.mu.RLock()
	entry, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model %q not found", key)
	}
	return r.init(ctx, entry)
}

// ByID resolves a model by its row ID, the reference tasks carry.
func (r *Registry) ByID(ctx context.Context, id string) (*Resolved, error) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model id %q not found", id)
	}
	m, err := r.init(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &Resolved{ID: entry.Row.ID, Key: entry.Row.Key, Model: m}, nil
}

// Default returns the default chat model.
func (r *Registry) Default(ctx context.Context) (model.ToolCallingChatModel, error) {
	return r.Get(ctx, r.defaultKey)
}

// DefaultKey returns the key of the default model.
func (r *Registry) DefaultKey() string {
	return r.defaultKey
}

// Keys lists the seeded model keys, default first.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	keys = append(keys, r.defaultKey)
	for k := range r.byKey {
		if k != r.defaultKey {
			keys = append(keys, k)
		}
	}
	return keys
}

func (r *Registry) init(ctx context.Context, entry *ProviderEntry) (model.ToolCallingChatModel, error) {
	entry.once.Do(func() {
		entry.model, entry.err = CreateModel(ctx, r.keeper, entry.Row.Provider, entry.Config)
	})
	if entry.err != nil {
		return nil, fmt.Errorf("init model %s: %w", entry.Row.Key, entry.err)
	}
	return entry.model, nil
}
