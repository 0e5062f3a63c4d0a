package platform

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/liuran001/PlaybackResolver-Go/player"
)

// DefaultManager implements Manager. Multiple sources may share a name; they are
// tried in registration order with fallback on platform errors.
type DefaultManager struct {
	mu        sync.RWMutex
	providers map[string][]Source
	meta      map[string]Meta
	aliases   map[string]string
}

// NewManager creates an empty manager.
func NewManager() *DefaultManager {
	return &DefaultManager{
		providers: make(map[string][]Source),
		meta:      make(map[string]Meta),
		aliases:   make(map[string]string),
	}
}

// Register adds a source implementation to the manager.
func (m *DefaultManager) Register(source Source) {
	if source == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := source.Name()
	m.providers[name] = append(m.providers[name], source)

	meta := buildMeta(source, name)
	if existing, ok := m.meta[name]; ok {
		meta.Aliases = mergeAliases(existing.Aliases, meta.Aliases)
		meta.Heartbeat = meta.Heartbeat || existing.Heartbeat
		if meta.DisplayName == name {
			meta.DisplayName = existing.DisplayName
		}
	}
	m.meta[name] = meta
	for _, alias := range meta.Aliases {
		m.aliases[strings.ToLower(alias)] = name
	}
}

// Get retrieves a source by name or alias. Returns nil if none is registered.
func (m *DefaultManager) Get(name string) Source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	providers := m.providers[m.canonical(name)]
	switch len(providers) {
	case 0:
		return nil
	case 1:
		return providers[0]
	default:
		return &compositeSource{name: providers[0].Name(), providers: providers}
	}
}

func (m *DefaultManager) canonical(name string) string {
	if _, ok := m.providers[name]; ok {
		return name
	}
	if canonical, ok := m.aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical
	}
	return name
}

// List returns all registered source names, sorted.
func (m *DefaultManager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Meta returns metadata for a source name.
func (m *DefaultManager) Meta(name string) (Meta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[m.canonical(name)]
	return meta, ok
}

// ResolveStream resolves song through the source named by song.Source.
func (m *DefaultManager) ResolveStream(ctx context.Context, song *player.Song) (*StreamInfo, error) {
	if song == nil {
		return nil, NewNotFoundError("", "song", "")
	}
	source := m.Get(song.Source)
	if source == nil {
		return nil, NewUnsupportedError(song.Source, "source")
	}
	return source.ResolveStream(ctx, song)
}

// SendHeartbeat notifies song's source that it is playing.
func (m *DefaultManager) SendHeartbeat(ctx context.Context, song *player.Song) error {
	if song == nil {
		return NewNotFoundError("", "song", "")
	}
	source := m.Get(song.Source)
	sender, ok := source.(HeartbeatSender)
	if source == nil || !ok {
		return NewUnsupportedError(song.Source, "heartbeat")
	}
	return sender.SendHeartbeat(ctx, song)
}

// compositeSource tries several providers registered under one name.
type compositeSource struct {
	name      string
	providers []Source
}

func (c *compositeSource) Name() string {
	return c.name
}

func (c *compositeSource) ResolveStream(ctx context.Context, song *player.Song) (*StreamInfo, error) {
	var lastErr error
	for _, p := range c.providers {
		info, err := p.ResolveStream(ctx, song)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !shouldFallback(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *compositeSource) SendHeartbeat(ctx context.Context, song *player.Song) error {
	var lastErr error = NewUnsupportedError(c.name, "heartbeat")
	for _, p := range c.providers {
		sender, ok := p.(HeartbeatSender)
		if !ok {
			continue
		}
		err := sender.SendHeartbeat(ctx, song)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shouldFallback(err) {
			return err
		}
	}
	return lastErr
}

func buildMeta(source Source, name string) Meta {
	meta := Meta{Name: name, DisplayName: name}
	if provider, ok := source.(MetadataProvider); ok {
		meta = provider.Metadata()
		meta.Name = name
		if meta.DisplayName == "" {
			meta.DisplayName = name
		}
	}
	if _, ok := source.(HeartbeatSender); ok {
		meta.Heartbeat = true
	}
	return meta
}

func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, alias := range append(append([]string{}, existing...), incoming...) {
		key := strings.ToLower(strings.TrimSpace(alias))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, alias)
	}
	return out
}
