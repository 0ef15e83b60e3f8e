package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var jsIdentifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// LoaderKinds lists the accepted [[loaders]] kind values.
var LoaderKinds = []string{"script", "json", "raw", "style", "asset"}

func validateVersion(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d; supported version is 1", cfg.Version)
	}
	return nil
}

func validateEntries(cfg *Config) error {
	if len(cfg.Entries) == 0 {
		return fmt.Errorf("at least one [[entries]] block is required")
	}
	seen := make(map[string]bool, len(cfg.Entries))
	for i, entry := range cfg.Entries {
		ref := fmt.Sprintf("entries[%d]", i)
		if entry.Name == "" {
			return fmt.Errorf("%s.name must not be empty", ref)
		}
		if strings.ContainsAny(entry.Name, "~/\\ \t") {
			return fmt.Errorf("%s.name %q must not contain '~', path separators or whitespace", ref, entry.Name)
		}
		if entry.Path == "" {
			return fmt.Errorf("%s.path must not be empty", ref)
		}
		if seen[entry.Name] {
			return fmt.Errorf("duplicate entry name %q", entry.Name)
		}
		seen[entry.Name] = true
	}
	return nil
}

func validateChunks(cfg *Config) error {
	reserved := map[string]string{}
	claim := func(name, owner string) error {
		if name == "" {
			return fmt.Errorf("%s must not be empty", owner)
		}
		if strings.Contains(name, "~") {
			return fmt.Errorf("%s %q must not contain '~'", owner, name)
		}
		if prev, ok := reserved[name]; ok {
			return fmt.Errorf("bundle name %q is used by both %s and %s", name, prev, owner)
		}
		reserved[name] = owner
		return nil
	}

	for _, entry := range cfg.Entries {
		if err := claim(entry.Name, fmt.Sprintf("entry %q", entry.Name)); err != nil {
			return err
		}
	}
	if err := claim(cfg.Chunks.Manifest, "chunks.manifest"); err != nil {
		return err
	}
	if err := claim(cfg.Chunks.Vendor.Name, "chunks.vendor.name"); err != nil {
		return err
	}
	for i, iso := range cfg.Chunks.Isolate {
		ref := fmt.Sprintf("chunks.isolate[%d].name", i)
		if err := claim(iso.Name, ref); err != nil {
			return err
		}
		if len(iso.Include) == 0 {
			return fmt.Errorf("chunks.isolate[%d].include must not be empty", i)
		}
	}
	if cfg.Chunks.Vendor.MinRefs < 1 {
		return fmt.Errorf("chunks.vendor.min_refs must be >= 1")
	}
	return nil
}

func validatePatterns(cfg *Config) error {
	check := func(field string, patterns []string) error {
		for _, p := range patterns {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("%s contains an empty pattern", field)
			}
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("%s contains invalid glob %q", field, p)
			}
		}
		return nil
	}

	groups := []struct {
		field    string
		patterns []string
	}{
		{"chunks.runtime", cfg.Chunks.Runtime},
		{"chunks.vendor.include", cfg.Chunks.Vendor.Include},
		{"chunks.vendor.exclude", cfg.Chunks.Vendor.Exclude},
		{"parse.no_parse", cfg.Parse.NoParse},
		{"graph.include", cfg.Graph.Include},
	}
	for i, iso := range cfg.Chunks.Isolate {
		groups = append(groups,
			struct {
				field    string
				patterns []string
			}{fmt.Sprintf("chunks.isolate[%d].include", i), iso.Include},
			struct {
				field    string
				patterns []string
			}{fmt.Sprintf("chunks.isolate[%d].exclude", i), iso.Exclude},
		)
	}
	for _, g := range groups {
		if err := check(g.field, g.patterns); err != nil {
			return err
		}
	}
	return nil
}

func validateLoaders(cfg *Config) error {
	for i, rule := range cfg.Loaders {
		ref := fmt.Sprintf("loaders[%d]", i)
		if !doublestar.ValidatePattern(rule.Test) || strings.TrimSpace(rule.Test) == "" {
			return fmt.Errorf("%s.test must be a valid glob, got %q", ref, rule.Test)
		}
		for _, ex := range rule.Exclude {
			if !doublestar.ValidatePattern(ex) {
				return fmt.Errorf("%s.exclude contains invalid glob %q", ref, ex)
			}
		}
		known := false
		for _, kind := range LoaderKinds {
			if rule.Kind == kind {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%s.kind must be one of: %s", ref, strings.Join(LoaderKinds, ", "))
		}
	}
	return nil
}

func validateOutput(cfg *Config) error {
	if !strings.Contains(cfg.Output.Filename, "[name]") {
		return fmt.Errorf("output.filename must contain [name], got %q", cfg.Output.Filename)
	}
	if strings.ContainsAny(cfg.Output.Filename, "/\\") {
		return fmt.Errorf("output.filename must not contain path separators")
	}
	if strings.TrimSpace(cfg.Output.StatsFile) == "" {
		return fmt.Errorf("output.stats_file must not be empty")
	}
	return nil
}

func validateDevServer(cfg *Config) error {
	for prefix, target := range cfg.DevServer.Proxy {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("dev_server.proxy key %q must start with '/'", prefix)
		}
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("dev_server.proxy target for %q must be an absolute URL, got %q", prefix, target)
		}
	}
	if hot := strings.TrimSpace(cfg.DevServer.HotReload); hot != "" && hot != HotReloadOff {
		u, err := url.Parse(hot)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("dev_server.hot_reload must be %q or a ws:// or wss:// URL, got %q", HotReloadOff, hot)
		}
	}
	return nil
}

func validateWatch(cfg *Config) error {
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	if cfg.Watch.MaxRebuildsPerSecond < 0 {
		return fmt.Errorf("watch.max_rebuilds_per_second must not be negative")
	}
	return nil
}

func validateDB(cfg *Config) error {
	if cfg.DB.Keep < 0 {
		return fmt.Errorf("db.keep must not be negative")
	}
	if cfg.DB.Enabled && strings.TrimSpace(cfg.DB.Path) == "" {
		return fmt.Errorf("db.path must not be empty when history is enabled")
	}
	return nil
}

func validateResolve(cfg *Config) error {
	for key, target := range cfg.Resolve.Alias {
		if strings.TrimSpace(strings.TrimSuffix(key, "$")) == "" || strings.TrimSpace(target) == "" {
			return fmt.Errorf("resolve.alias entries need a key and a target, got %q = %q", key, target)
		}
	}
	for name, request := range cfg.Resolve.Provide {
		if !jsIdentifier.MatchString(name) {
			return fmt.Errorf("resolve.provide key %q is not a JavaScript identifier", name)
		}
		if strings.TrimSpace(request) == "" {
			return fmt.Errorf("resolve.provide.%s must name a module", name)
		}
	}
	return nil
}
