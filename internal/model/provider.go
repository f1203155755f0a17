package model

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the lifecycle of the provider's handle.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
	StateClosed
)

// ErrProviderClosed is returned by Handle once the provider has been closed.
var ErrProviderClosed = errors.New("model provider closed")

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ArtifactLocator resolves the path of the model to load.
type ArtifactLocator interface {
	Locate() (string, error)
}

// ArtifactLoader loads a located model.
type ArtifactLoader interface {
	Load(path string) (*Handle, error)
}

// Options carries optional provider hooks.
type Options struct {
	// OnLoad is called once for every artifact load attempt that reaches the loader.
	OnLoad func(path string)
	// OnStateChange is called with the lock held; it must not call back into the provider.
	OnStateChange func(State)
}

// Provider owns the process-wide model handle. The first call to Handle
// locates and loads the model; later calls reuse the result. A failed load
// is final for the lifetime of the provider, and so is Close.
type Provider struct {
	locator ArtifactLocator
	loader  ArtifactLoader
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	state  atomic.Int32
	handle atomic.Pointer[Handle]
	err    error
	loads  atomic.Int64
}

// NewProvider builds an unloaded provider.
func NewProvider(locator ArtifactLocator, loader ArtifactLoader, logger *zap.Logger, opts Options) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		locator: locator,
		loader:  loader,
		opts:    opts,
		logger:  logger.Named("model_provider"),
	}
}

// State reports the current lifecycle state.
func (p *Provider) State() State {
	return State(p.state.Load())
}

// Loads reports how many times the loader was invoked.
func (p *Provider) Loads() int64 {
	return p.loads.Load()
}

// Handle returns the loaded model, loading it on first use.
func (p *Provider) Handle(ctx context.Context) (*Handle, error) {
	if h := p.handle.Load(); h != nil {
		return h, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateReady:
		return p.handle.Load(), nil
	case StateFailed:
		return nil, p.err
	case StateClosed:
		return nil, ErrProviderClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.setState(StateLoading)
	h, err := p.load()
	if err != nil {
		p.err = err
		p.setState(StateFailed)
		p.logger.Error("model unavailable", zap.Error(err))
		return nil, err
	}
	p.handle.Store(h)
	p.setState(StateReady)
	return h, nil
}

func (p *Provider) load() (*Handle, error) {
	path, err := p.locator.Locate()
	if err != nil {
		return nil, err
	}
	p.loads.Add(1)
	if p.opts.OnLoad != nil {
		p.opts.OnLoad(path)
	}
	return p.loader.Load(path)
}

func (p *Provider) setState(s State) {
	p.state.Store(int32(s))
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(s)
	}
}

// Close releases the loaded predictor, if any, and moves the provider to
// StateClosed. Later calls to Handle return ErrProviderClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() == StateClosed {
		return nil
	}
	h := p.handle.Swap(nil)
	p.setState(StateClosed)
	if h == nil {
		return nil
	}
	return h.Close()
}
