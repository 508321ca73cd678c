package decrypt

import (
	"context"
	"sync"

	"chatsync/models"
)

// Decryptor opens one encrypted envelope and returns the plaintext JSON body.
type Decryptor interface {
	Decrypt(ctx context.Context, envelope models.Envelope) (string, error)
}

// DecryptorFunc adapts a function to Decryptor.
type DecryptorFunc func(ctx context.Context, envelope models.Envelope) (string, error)

// Decrypt calls f.
func (f DecryptorFunc) Decrypt(ctx context.Context, envelope models.Envelope) (string, error) {
	return f(ctx, envelope)
}

// Provider hands out the decryptor once it is ready. ok=false means not ready yet.
type Provider interface {
	Decryptor() (Decryptor, bool)
}

// readiness is implemented by providers that can signal readiness directly.
type readiness interface {
	Ready() <-chan struct{}
}

// Static is a Provider whose decryptor is always ready.
type Static struct {
	D Decryptor
}

// Decryptor returns the wrapped decryptor.
func (s Static) Decryptor() (Decryptor, bool) {
	return s.D, s.D != nil
}

// Late is a Provider whose decryptor is supplied after construction.
type Late struct {
	mu    sync.RWMutex
	d     Decryptor
	ready chan struct{}
	once  sync.Once
}

// NewLate returns a provider that is not ready until Set is called.
func NewLate() *Late {
	return &Late{ready: make(chan struct{})}
}

// Set installs the decryptor and releases everyone waiting on Ready.
func (l *Late) Set(d Decryptor) {
	if d == nil {
		return
	}
	l.mu.Lock()
	l.d = d
	l.mu.Unlock()
	l.once.Do(func() { close(l.ready) })
}

// Decryptor returns the installed decryptor, if any.
func (l *Late) Decryptor() (Decryptor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.d, l.d != nil
}

// Ready is closed once Set has been called.
func (l *Late) Ready() <-chan struct{} {
	return l.ready
}
