package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"mpai-server-go/internal/domain/tools"
	"mpai-server-go/internal/platform/logging"
)

// Connector opens a client for one server config.
type Connector func(cfg ServerConfig, logger logging.TagLogger) (*Client, error)

// Manager owns the MCP clients and their lifecycle.
type Manager struct {
	logger  logging.TagLogger
	connect Connector

	mu      sync.RWMutex
	clients map[string]*Client
}

type ManagerOption func(*Manager)

func WithConnector(c Connector) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.connect = c
		}
	}
}

func NewManager(logger logging.TagLogger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.Discard
	}
	m := &Manager{
		logger:  logger,
		connect: NewStdioClient,
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAll connects and initializes every server. A server that fails is
// logged and skipped, and its error joined into the returned one.
func (m *Manager) StartAll(ctx context.Context, servers []ServerConfig) error {
	var errs []error
	for _, cfg := range servers {
		if err := m.Start(ctx, cfg); err != nil {
			m.logger.ErrorTag(logging.TagMCP, "server %s unavailable: %v", cfg.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start connects one server and registers it under cfg.Name.
func (m *Manager) Start(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp server name cannot be empty")
	}
	m.mu.RLock()
	_, exists := m.clients[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("mcp server %s already started", cfg.Name)
	}

	client, err := m.connect(cfg, m.logger)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}

	m.mu.Lock()
	m.clients[cfg.Name] = client
	m.mu.Unlock()
	m.logger.InfoTag(logging.TagMCP, "registered server %s (tools=%d)", cfg.Name, len(client.DescribeOperations()))
	return nil
}

// ListClients returns the started server names, sorted.
func (m *Manager) ListClients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.clients))
}

// Tools returns the ready clients as described tools, ordered by name.
func (m *Manager) Tools() []tools.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tools.Tool, 0, len(m.clients))
	for _, name := range slices.Sorted(maps.Keys(m.clients)) {
		if c := m.clients[name]; c.IsReady() {
			out = append(out, c)
		}
	}
	return out
}

// Close shuts down every client.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
