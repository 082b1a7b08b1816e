// Package prompt loads named prompt templates and interpolates {{VAR}}
// placeholders. Templates are opaque text; the default set is embedded
// and an optional override directory can shadow individual templates.
package prompt

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Builder loads and caches templates by name. Safe for concurrent use.
type Builder struct {
	overrideDir string
	log         zerolog.Logger

	mu      sync.RWMutex
	cache   map[string]string
	watcher *fsnotify.Watcher
}

// NewBuilder returns a Builder using the embedded templates. If
// overrideDir is non-empty, files named <name>.tmpl in that directory
// shadow the embedded ones.
func NewBuilder(overrideDir string, log zerolog.Logger) *Builder {
	return &Builder{
		overrideDir: overrideDir,
		log:         log,
		cache:       make(map[string]string),
	}
}

// Watch starts an fsnotify watcher on the override directory and
// invalidates cached templates when their files change. No-op when no
// override directory is configured.
func (b *Builder) Watch() error {
	if b.overrideDir == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(b.overrideDir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", b.overrideDir, err)
	}
	b.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(ev.Name), ".tmpl")
				b.mu.Lock()
				delete(b.cache, name)
				b.mu.Unlock()
				b.log.Debug().Str("template", name).Msg("template cache invalidated")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				b.log.Warn().Err(err).Msg("template watcher error")
			}
		}
	}()

	return nil
}

// Close stops the watcher if one is running.
func (b *Builder) Close() error {
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

// Render loads the named template and replaces every {{NAME}}
// placeholder with the value from vars. Scalars are converted with
// %v; slices, maps and structs are JSON-encoded. Placeholders with no
// provided value are left verbatim.
func (b *Builder) Render(name string, vars map[string]any) (string, error) {
	tmpl, err := b.load(name)
	if err != nil {
		return "", err
	}

	out := tmpl
	for key, val := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", stringify(val))
	}
	return out, nil
}

func (b *Builder) load(name string) (string, error) {
	b.mu.RLock()
	cached, ok := b.cache[name]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var data []byte
	var err error
	if b.overrideDir != "" {
		data, err = os.ReadFile(filepath.Join(b.overrideDir, name+".tmpl"))
	}
	if b.overrideDir == "" || os.IsNotExist(err) {
		data, err = templateFS.ReadFile("templates/" + name + ".tmpl")
	}
	if err != nil {
		return "", fmt.Errorf("load template %q: %w", name, err)
	}

	tmpl := string(data)
	b.mu.Lock()
	b.cache[name] = tmpl
	b.mu.Unlock()
	return tmpl, nil
}

// stringify renders a variable value for interpolation. Containers are
// JSON-encoded so the model sees well-formed structures.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
