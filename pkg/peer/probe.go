package peer

import (
	"sync"
)

// CapabilityProvider supplies the transport engine. A nil Engine means the
// current process has no usable engine.
type CapabilityProvider interface {
	Engine() Engine
}

// CapabilityFunc adapts a function to CapabilityProvider
type CapabilityFunc func() Engine

// Engine implements CapabilityProvider
func (f CapabilityFunc) Engine() Engine { return f() }

var (
	providerMu sync.RWMutex
	provider   CapabilityProvider = &pionProvider{}
)

// SetCapabilityProvider replaces the process-wide provider and returns a
// function restoring the previous one.
func SetCapabilityProvider(p CapabilityProvider) (restore func()) {
	providerMu.Lock()
	prev := provider
	provider = p
	providerMu.Unlock()

	return func() {
		providerMu.Lock()
		provider = prev
		providerMu.Unlock()
	}
}

func currentEngine() Engine {
	providerMu.RLock()
	p := provider
	providerMu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Engine()
}

// Supported reports whether a transport engine is available
func Supported() bool {
	return currentEngine() != nil
}

// pionProvider lazily builds the default pion engine
type pionProvider struct {
	once   sync.Once
	engine Engine
}

func (p *pionProvider) Engine() Engine {
	p.once.Do(func() {
		e, err := NewPionEngine(PionConfig{})
		if err == nil {
			p.engine = e
		}
	})
	return p.engine
}
