// Package config loads SLE's directory of config files: every
// *.json/*.yaml/*.yml file under a config directory is parsed and
// merged into one logical Config. Global-only keys are recognized only
// from default.{json,yaml,yml}; keys ending in "_IP" become a
// BackendSpec; everything else is a service name mapping categories to
// SourceSpecs.
//
// Parsing follows a "load a file, then apply defaults, then validate"
// split, generalized from a single hard-coded config file to a
// directory-merge model.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// DefaultDir is where SLE looks for config files when none is given.
const DefaultDir = "/etc/sle.d"

var globalKeys = map[string]bool{
	"AUTO_RELOAD":       true,
	"QUEUE_SIZE":        true,
	"JOURNALCTL":        true,
	"JOURNALCTL_LABELS": true,
}

var backendPrefixes = []string{
	"LOKI", "ELASTICSEARCH", "ELASTIC", "OPENSEARCH", "GRAYLOG",
	"VICTORIALOGS", "CLICKHOUSE", "FLUENTBIT", "KAFKA", "CLOUDWATCH",
	"GCP", "AZURE",
}

// Config is the fully merged, validated logical configuration.
type Config struct {
	AutoReloadSeconds int
	QueueSize         int // 0 means unset -> legacy mode
	QueueSizeSet      bool
	JournalEnabled    bool
	JournalLabels     map[string]string

	Backends []BackendSpec
	Services map[string]map[string]SourceSpec // service -> category -> spec
}

// BackendSpec is one `<KIND>_IP` configuration entry.
type BackendSpec struct {
	Kind      string
	Endpoints []string
}

// SourceSpec is one watched file's (or journal's) immutable descriptor.
type SourceSpec struct {
	Service        string
	Category       string
	Path           string
	Delimiter      string
	Labels         map[string]string
	RateLimit      float64 // <=0 means unlimited
	BufferSize     int
	OverflowPolicy string // "DROP" or "DISK"
}

// IsGlob reports whether Path contains a glob metacharacter.
func (s SourceSpec) IsGlob() bool {
	return strings.ContainsAny(s.Path, "*?[")
}

// Load reads every *.json/*.yaml/*.yml file directly under dir, merges
// them, applies defaults, and validates the result. A fatal error here
// is a startup configuration error: the caller should exit 1.
func Load(dir string) (*Config, error) {
	files, err := configFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list config dir %s: %w", dir, err)
	}

	cfg := &Config{
		JournalLabels: map[string]string{},
		Services:      map[string]map[string]SourceSpec{},
	}

	for _, f := range files {
		raw, err := loadFile(f)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
		isDefault := isDefaultFile(f)
		if err := mergeInto(cfg, raw, isDefault); err != nil {
			return nil, fmt.Errorf("merge %s: %w", f, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if hasConfigExt(name) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files) // deterministic merge order
	return files, nil
}

func hasConfigExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".json" || ext == ".yaml" || ext == ".yml"
}

func isDefaultFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return base == "default.json" || base == "default.yaml" || base == "default.yml"
}

func loadFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return out, nil
	}
	var yout map[interface{}]interface{}
	if err := yaml.Unmarshal(data, &yout); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	return normalizeYAML(yout), nil
}

// normalizeYAML converts yaml.v2's map[interface{}]interface{} into
// map[string]interface{} recursively so the rest of the loader can treat
// JSON and YAML documents identically.
func normalizeYAML(in map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		return normalizeYAML(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeYAMLValue(e)
		}
		return out
	default:
		return v
	}
}

func mergeInto(cfg *Config, raw map[string]interface{}, isDefault bool) error {
	for key, val := range raw {
		switch {
		case globalKeys[key]:
			if !isDefault {
				continue // global keys are ignored outside default.*
			}
			if err := applyGlobal(cfg, key, val); err != nil {
				return err
			}
		case backendKind(key) != "":
			spec, err := parseBackend(key, val)
			if err != nil {
				return err
			}
			cfg.Backends = append(cfg.Backends, spec)
		default:
			if err := parseService(cfg, key, val); err != nil {
				return err
			}
		}
	}
	return nil
}

func backendKind(key string) string {
	upper := strings.ToUpper(key)
	if !strings.HasSuffix(upper, "_IP") {
		return ""
	}
	prefix := strings.TrimSuffix(upper, "_IP")
	for _, p := range backendPrefixes {
		if prefix == p {
			return p
		}
	}
	return ""
}

func parseBackend(key string, val interface{}) (BackendSpec, error) {
	kind := backendKind(key)
	switch v := val.(type) {
	case string:
		if v == "" {
			return BackendSpec{}, fmt.Errorf("%s: empty endpoint", key)
		}
		return BackendSpec{Kind: kind, Endpoints: []string{v}}, nil
	case []interface{}:
		var eps []string
		for _, e := range v {
			s, ok := e.(string)
			if !ok || s == "" {
				return BackendSpec{}, fmt.Errorf("%s: endpoint list must contain non-empty strings", key)
			}
			eps = append(eps, s)
		}
		if len(eps) == 0 {
			return BackendSpec{}, fmt.Errorf("%s: empty endpoint list", key)
		}
		return BackendSpec{Kind: kind, Endpoints: eps}, nil
	default:
		return BackendSpec{}, fmt.Errorf("%s: expected string or list of strings", key)
	}
}

func applyGlobal(cfg *Config, key string, val interface{}) error {
	switch key {
	case "AUTO_RELOAD":
		n, err := asInt(val)
		if err != nil {
			return fmt.Errorf("AUTO_RELOAD: %w", err)
		}
		cfg.AutoReloadSeconds = n
	case "QUEUE_SIZE":
		n, err := asInt(val)
		if err != nil {
			return fmt.Errorf("QUEUE_SIZE: %w", err)
		}
		cfg.QueueSize = n
		cfg.QueueSizeSet = true
	case "JOURNALCTL":
		s, _ := val.(string)
		cfg.JournalEnabled = strings.EqualFold(s, "on")
	case "JOURNALCTL_LABELS":
		m, ok := val.(map[string]interface{})
		if !ok {
			return fmt.Errorf("JOURNALCTL_LABELS: expected a map")
		}
		labels, err := asLabels(m)
		if err != nil {
			return fmt.Errorf("JOURNALCTL_LABELS: %w", err)
		}
		cfg.JournalLabels = labels
	}
	return nil
}

func parseService(cfg *Config, service string, val interface{}) error {
	categories, ok := val.(map[string]interface{})
	if !ok {
		return fmt.Errorf("service %q: expected a map of categories", service)
	}
	svc := sanitizeName(service)
	if cfg.Services[svc] == nil {
		cfg.Services[svc] = map[string]SourceSpec{}
	}
	for category, cv := range categories {
		cat := sanitizeName(category)
		fields, ok := cv.(map[string]interface{})
		if !ok {
			return fmt.Errorf("service %q category %q: expected a map", service, category)
		}
		spec, err := parseSourceSpec(svc, cat, fields)
		if err != nil {
			return fmt.Errorf("service %q category %q: %w", service, category, err)
		}
		cfg.Services[svc][cat] = spec
	}
	return nil
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "\\", "")
	return s
}

func parseSourceSpec(service, category string, fields map[string]interface{}) (SourceSpec, error) {
	spec := SourceSpec{
		Service:        service,
		Category:       category,
		Delimiter:      "\n",
		Labels:         map[string]string{},
		BufferSize:     1,
		OverflowPolicy: "DROP",
	}

	path, _ := fields["path_file"].(string)
	if path == "" {
		return spec, fmt.Errorf("path_file is required")
	}
	if !filepath.IsAbs(path) {
		return spec, fmt.Errorf("path_file must be absolute, got %q", path)
	}
	spec.Path = path

	if d, ok := fields["delimiter"].(string); ok && d != "" {
		spec.Delimiter = d
	}
	if lbls, ok := fields["labels"].(map[string]interface{}); ok {
		l, err := asLabels(lbls)
		if err != nil {
			return spec, fmt.Errorf("labels: %w", err)
		}
		spec.Labels = l
	}
	if rl, ok := fields["rate_limit"]; ok {
		f, err := asFloat(rl)
		if err != nil {
			return spec, fmt.Errorf("rate_limit: %w", err)
		}
		if f < 0 {
			return spec, fmt.Errorf("rate_limit must be >= 0")
		}
		spec.RateLimit = f
	}
	if bs, ok := fields["buffer_size"]; ok {
		n, err := asInt(bs)
		if err != nil {
			return spec, fmt.Errorf("buffer_size: %w", err)
		}
		if n < 0 {
			return spec, fmt.Errorf("buffer_size must be >= 0")
		}
		if n > 0 {
			spec.BufferSize = n
		}
	}
	if db, ok := fields["disk_buffer"].(string); ok {
		up := strings.ToUpper(db)
		if up != "DROP" && up != "DISK" {
			return spec, fmt.Errorf("disk_buffer must be DROP or DISK, got %q", db)
		}
		spec.OverflowPolicy = up
	}

	known := map[string]bool{
		"path_file": true, "delimiter": true, "labels": true,
		"rate_limit": true, "buffer_size": true, "disk_buffer": true,
	}
	for k := range fields {
		if !known[k] {
			fmt.Fprintf(os.Stderr, "warning: service %s/%s: unknown field %q ignored\n", service, category, k)
		}
	}

	return spec, nil
}

func asLabels(m map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("label %q: value must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

func asInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func asFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func validate(cfg *Config) error {
	if cfg.AutoReloadSeconds < 0 {
		return fmt.Errorf("AUTO_RELOAD must be >= 0")
	}
	if cfg.QueueSizeSet && cfg.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be > 0 when set")
	}
	for _, b := range cfg.Backends {
		if len(b.Endpoints) == 0 {
			return fmt.Errorf("backend %s has no endpoints", b.Kind)
		}
	}
	return nil
}
