// Package registry holds the flows known to passup, keyed by site. Flows are
// loaded from YAML files, directories and the built-in set embedded in the
// binary, and are validated on load so a malformed flow never reaches a browser.
package registry

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/engine"
)

var (
	// ErrFlowNotFound is returned when no flow is registered for a site.
	ErrFlowNotFound = errors.New("no flow registered for site")
	// ErrDuplicateFlow is returned when a site key is registered twice.
	ErrDuplicateFlow = errors.New("duplicate flow for site")
	// ErrDomainBlocked is returned for targets on the blocklist.
	ErrDomainBlocked = errors.New("domain is blocklisted")
)

//go:embed flows/*.yaml
var builtinFS embed.FS

// Registry maps site keys to flows. It is safe for concurrent use.
type Registry struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	flows     map[string]schemas.Flow
	blocklist map[string]struct{}
}

// New creates an empty registry that refuses the given domains.
func New(logger *zap.Logger, blocklist []string) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger.Named("registry"),
		flows:     make(map[string]schemas.Flow),
		blocklist: make(map[string]struct{}, len(blocklist)),
	}
	for _, d := range blocklist {
		if d = NormalizeSiteKey(d); d != "" {
			r.blocklist[d] = struct{}{}
		}
	}
	return r
}

// Load builds a registry from the flows section of the configuration.
func Load(cfg config.FlowsConfig, logger *zap.Logger) (*Registry, error) {
	r := New(logger, cfg.Blocklist)
	if cfg.IncludeBuiltin {
		if _, err := r.LoadBuiltin(); err != nil {
			return nil, err
		}
	}
	for _, dir := range cfg.Dirs {
		if _, err := r.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	for _, file := range cfg.Files {
		if _, err := r.LoadFile(file); err != nil {
			return nil, err
		}
	}
	r.logger.Info("Flow registry loaded.", zap.Int("flows", r.Len()), zap.Int("blocklisted", len(r.blocklist)))
	return r, nil
}

// NormalizeSiteKey lowercases a site key and strips surrounding whitespace
// and a trailing dot.
func NormalizeSiteKey(key string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(key)), ".")
}

// Register adds a flow built in code. The flow is validated first.
func (r *Registry) Register(flow schemas.Flow) error {
	flow.SiteKey = NormalizeSiteKey(flow.SiteKey)
	if err := engine.ValidateFlow(flow); err != nil {
		return fmt.Errorf("register %q: %w", flow.SiteKey, err)
	}
	return r.add([]schemas.Flow{flow})
}

// add registers flows all-or-nothing.
func (r *Registry) add(flows []schemas.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]string, len(flows))
	for _, f := range flows {
		if existing, ok := r.flows[f.SiteKey]; ok {
			return fmt.Errorf("%w %q: %s and %s", ErrDuplicateFlow, f.SiteKey, sourceOf(existing), sourceOf(f))
		}
		if src, ok := seen[f.SiteKey]; ok {
			return fmt.Errorf("%w %q: defined twice in %s", ErrDuplicateFlow, f.SiteKey, src)
		}
		seen[f.SiteKey] = sourceOf(f)
	}
	for _, f := range flows {
		r.flows[f.SiteKey] = f
	}
	return nil
}

func sourceOf(f schemas.Flow) string {
	if f.Source == "" {
		return "<code>"
	}
	return f.Source
}

// LoadBytes parses a flow document and registers every flow in it.
func (r *Registry) LoadBytes(data []byte, source string) (int, error) {
	flows, err := parseFlows(data, source)
	if err != nil {
		return 0, err
	}
	if err := r.add(flows); err != nil {
		return 0, err
	}
	for _, f := range flows {
		r.logger.Debug("Registered flow.", zap.String("site", f.SiteKey), zap.Int("steps", len(f.Steps)), zap.String("source", source))
	}
	return len(flows), nil
}

// LoadFile loads one flow file.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is a user supplied flow file
	if err != nil {
		return 0, fmt.Errorf("failed to read flow file: %w", err)
	}
	return r.LoadBytes(data, path)
}

// LoadDir loads every *.yaml and *.yml file directly inside dir, in name order.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read flow directory: %w", err)
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() || !isFlowFile(e.Name()) {
			continue
		}
		n, err := r.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// LoadBuiltin registers the flows shipped with the binary.
func (r *Registry) LoadBuiltin() (int, error) {
	total := 0
	err := fs.WalkDir(builtinFS, "flows", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isFlowFile(path) {
			return err
		}
		data, err := builtinFS.ReadFile(path)
		if err != nil {
			return err
		}
		n, err := r.LoadBytes(data, "builtin:"+path)
		total += n
		return err
	})
	return total, err
}

func isFlowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Lookup returns the flow registered under siteKey.
func (r *Registry) Lookup(siteKey string) (schemas.Flow, error) {
	key := NormalizeSiteKey(siteKey)
	r.mu.RLock()
	flow, ok := r.flows[key]
	r.mu.RUnlock()
	if !ok {
		return schemas.Flow{}, fmt.Errorf("%w: %q", ErrFlowNotFound, siteKey)
	}
	if r.blocked(key) {
		return schemas.Flow{}, fmt.Errorf("%w: %q", ErrDomainBlocked, key)
	}
	return flow, nil
}

// Resolve finds the flow for a site key or a URL. For URLs the host is tried
// as is, without a leading "www.", and finally as its registrable domain.
// A target matching the blocklist at any of those levels is refused.
func (r *Registry) Resolve(target string) (schemas.Flow, error) {
	key := NormalizeSiteKey(target)
	if key == "" {
		return schemas.Flow{}, fmt.Errorf("%w: empty target", ErrFlowNotFound)
	}

	candidates := candidateKeys(key)
	for _, c := range candidates {
		if r.blocked(c) {
			return schemas.Flow{}, fmt.Errorf("%w: %q", ErrDomainBlocked, c)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range candidates {
		if flow, ok := r.flows[c]; ok {
			return flow, nil
		}
	}
	return schemas.Flow{}, fmt.Errorf("%w: %q", ErrFlowNotFound, target)
}

// candidateKeys returns the lookup keys for target, most specific first.
func candidateKeys(target string) []string {
	keys := []string{target}
	add := func(k string) {
		if k == "" {
			return
		}
		for _, existing := range keys {
			if existing == k {
				return
			}
		}
		keys = append(keys, k)
	}

	raw := target
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return keys
	}
	host := NormalizeSiteKey(u.Hostname())
	add(host)
	add(strings.TrimPrefix(host, "www."))
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		add(etld1)
	}
	return keys
}

func (r *Registry) blocked(key string) bool {
	_, ok := r.blocklist[key]
	return ok
}

// SiteKeys returns the registered site keys in sorted order.
func (r *Registry) SiteKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.flows))
	for k := range r.flows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}
