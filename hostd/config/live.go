package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// Section is one live configuration section.
type Section map[string]interface{}

// Live is the running configuration mirror. Every write is persisted to the store
// under config:<section>, last writer wins.
type Live struct {
	mu       sync.RWMutex
	store    store.Store
	sections map[string]Section
	logger   *zap.Logger
}

func NewLive(s store.Store, logger *zap.Logger) *Live {
	return &Live{
		store:    s,
		sections: make(map[string]Section),
		logger:   logger.Named("config"),
	}
}

// Load reads the named sections from the store, replacing what is held in memory.
// Missing sections load as empty.
func (l *Live) Load(ctx context.Context, sections ...string) error {
	for _, name := range sections {
		sec := Section{}
		if err := store.GetJSONOrEmpty(ctx, l.store, store.ConfigKey(name), &sec); err != nil {
			return fmt.Errorf("load config section %s: %w", name, err)
		}
		l.mu.Lock()
		l.sections[name] = sec
		l.mu.Unlock()
	}
	return nil
}

// Set writes one key and persists its section.
func (l *Live) Set(ctx context.Context, section, key string, value interface{}) error {
	if section == "" || key == "" {
		return errors.New("config section and key are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sec := l.sectionLocked(section)
	prev, had := sec[key]
	sec[key] = value
	if err := store.SetJSON(ctx, l.store, store.ConfigKey(section), sec); err != nil {
		if had {
			sec[key] = prev
		} else {
			delete(sec, key)
		}
		return fmt.Errorf("persist config %s.%s: %w", section, key, err)
	}
	l.logger.Info("configuration updated", zap.String("section", section), zap.String("key", key))
	return nil
}

// Get returns one value.
func (l *Live) Get(section, key string) (interface{}, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.sections[section][key]
	return v, ok
}

// String returns a value as a string, or def when unset.
func (l *Live) String(section, key, def string) string {
	v, ok := l.Get(section, key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Section returns a copy of one section.
func (l *Live) Section(section string) Section {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(Section, len(l.sections[section]))
	for k, v := range l.sections[section] {
		out[k] = v
	}
	return out
}

func (l *Live) sectionLocked(name string) Section {
	sec, ok := l.sections[name]
	if !ok {
		sec = Section{}
		l.sections[name] = sec
	}
	return sec
}
