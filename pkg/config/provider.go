package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"gatewise/turnstile/pkg/admission"
	"gatewise/turnstile/pkg/telemetry/logging"
)

// Provider holds the live configuration and resolves per-identifier limits
// for the admission gates. Reads take a shared lock; a reload swaps the
// whole configuration at once, so a gate never sees a half-applied file.
type Provider struct {
	mu     sync.RWMutex
	cfg    *Config
	path   string
	logger *logging.Logger

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	closeOnce sync.Once
}

// NewProvider creates a provider around an already-loaded configuration.
func NewProvider(cfg *Config, logger *logging.Logger) *Provider {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Provider{cfg: cfg, logger: logger}
}

// LoadProvider loads the file at path and wraps it in a provider that can
// reload from the same path.
func LoadProvider(path string, logger *logging.Logger) (*Provider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := NewProvider(cfg, logger)
	p.path = path
	return p, nil
}

// Current returns the live configuration.
func (p *Provider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Limits implements admission.Resolver. An identifier with an explicit entry
// gets that entry; otherwise the scope's configured defaults apply when the
// scope opts in with allow_unknown. A miss here is not a denial: the gate
// serves its built-in conservative default for identifiers this provider
// has no configuration for.
func (p *Provider) Limits(scopeType, identifier string) (admission.Limits, bool) {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	scope, ok := cfg.Scopes[scopeType]
	if !ok {
		return admission.Limits{}, false
	}

	spec, ok := scope.Identifiers[identifier]
	if !ok {
		if !scope.AllowUnknown {
			return admission.Limits{}, false
		}
		spec = scope.Default
	}

	namespace := cfg.Store.Namespace
	return admission.Limits{
		RateLimit: spec.RateLimit.RateLimitConfig(namespace),
		Quota:     spec.Quota.QuotaConfig(namespace),
	}, true
}

// Reload re-runs the load sequence against the provider's file and swaps the
// configuration in. A file that fails to parse or validate leaves the
// current configuration serving.
func (p *Provider) Reload() error {
	if p.path == "" {
		return fmt.Errorf("provider has no backing file")
	}

	cfg, err := Load(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	p.logger.Info("configuration reloaded", "path", p.path)
	return nil
}

// Watch reloads the configuration whenever its file changes. Editors often
// replace a file instead of writing it in place, so the watch covers the
// directory and filters for the file's name.
func (p *Provider) Watch() error {
	if p.path == "" {
		return fmt.Errorf("provider has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %q: %w", p.path, err)
	}

	p.watcher = watcher
	p.watchDone = make(chan struct{})
	go p.watchLoop()
	return nil
}

// Close stops the watcher if one is running.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		if p.watcher != nil {
			p.watcher.Close()
			<-p.watchDone
		}
	})
}

func (p *Provider) watchLoop() {
	defer close(p.watchDone)
	name := filepath.Base(p.path)

	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Error("configuration reload failed, keeping previous",
					"path", p.path,
					"error", err,
				)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("configuration watcher error", "error", err)
		}
	}
}
