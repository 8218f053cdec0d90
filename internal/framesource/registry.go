package framesource

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// Options carries settings decoders may need
type Options struct {
	// FFmpegPath is the ffmpeg executable used by the ffmpeg decoder
	FFmpegPath string
	// HTTPClient is used by the http decoder
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory builds a decoder from options
type Factory func(opts Options) (Decoder, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a decoder available by name. Registering a name twice panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("framesource: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("framesource: Register called twice for decoder " + name)
	}
	registry[name] = factory
}

// NewDecoder builds the named decoder
func NewDecoder(name string, opts Options) (Decoder, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown decoder %q (available: %v)", name, Decoders())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return factory(opts)
}

// Decoders returns the registered decoder names, sorted
func Decoders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
