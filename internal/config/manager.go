package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	logx "courier/pkg/logx"
)

// Gate vets a parsed config before a reload commits it. A non-nil error keeps
// the running config.
type Gate func(ctx context.Context, cfg *Config) error

// Manager holds the committed config for one file and republishes it to
// subscribers when Watch sees the file change.
type Manager struct {
	path string
	log  logx.Logger
	gate Gate

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// SetLogger and SetGate must be called before Watch.
func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) SetGate(g Gate) { m.gate = g }

// ReadFile parses and validates the config at path: ${VAR} expansion, YAML or
// JSON by extension, unknown fields rejected.
func ReadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = expandEnv(raw, !isYAMLPath(path), os.LookupEnv)
	js, err := toJSON(path, raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the file and commits it without consulting the gate.
func (m *Manager) Load() (*Config, error) {
	cfg, err := ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, hash uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, hash
	m.mu.Unlock()
}

func (m *Manager) unchanged(hash uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return hash != 0 && hash == m.hash
}

// reload re-reads the file and, when it parses, differs and passes the gate,
// commits and publishes it.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload failed; keeping current", logx.String("path", m.path), logx.Err(err))
		return
	}
	hash := fingerprint(cfg)
	if m.unchanged(hash) {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if m.gate != nil {
		gctx, cancel := context.WithTimeout(ctx, gateTimeout)
		err := m.gate(gctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping current", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.commit(cfg, hash)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", hash)))
}

// Subscribe returns a channel that receives each committed reload. A slow
// subscriber sees the newest config; older pending ones are dropped.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

// publish holds subsMu while sending so Unsubscribe never closes a channel mid-send.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped; subscriber full", logx.Int("cap", cap(ch)))
		}
	}
}
