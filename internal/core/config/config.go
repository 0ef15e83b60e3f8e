package config

import (
	"net"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// RuntimeModuleID is the synthetic module carrying the bundle loader runtime.
const RuntimeModuleID = "assetplan/runtime"

// HotReloadPath is where the dev server accepts hot reload sockets.
const HotReloadPath = "/ws"

// HotReloadOff disables the browser reload client in serve mode.
const HotReloadOff = "off"

type Config struct {
	Version       int           `toml:"version"`
	ProjectRoot   string        `toml:"project_root"`
	ProjectKey    string        `toml:"project_key"`
	Entries       []Entry       `toml:"entries"`
	Resolve       Resolve       `toml:"resolve"`
	Parse         ParseConfig   `toml:"parse"`
	Loaders       []LoaderRule  `toml:"loaders"`
	Chunks        Chunks        `toml:"chunks"`
	Graph         Graph         `toml:"graph"`
	Output        Output        `toml:"output"`
	Watch         Watch         `toml:"watch"`
	Exclude       Exclude       `toml:"exclude"`
	DevServer     DevServer     `toml:"dev_server"`
	DB            Database      `toml:"db"`
	Observability Observability `toml:"observability"`

	// path of the file this config was loaded from, if any
	source string
}

// Entry is a named root module. Declaration order is significant.
type Entry struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

type Resolve struct {
	Modules    []string          `toml:"modules"`
	Extensions []string          `toml:"extensions"`
	Alias      map[string]string `toml:"alias"`
	// Provide maps free identifiers such as $ to the request that backs them.
	Provide map[string]string `toml:"provide"`
}

type ParseConfig struct {
	NoParse     []string `toml:"no_parse"`
	Concurrency int      `toml:"concurrency"`
	CacheSize   int      `toml:"cache_size"`
}

// LoaderRule overrides the loader kind for modules matching Test.
type LoaderRule struct {
	Test    string   `toml:"test"`
	Exclude []string `toml:"exclude"`
	Kind    string   `toml:"kind"`
}

type Chunks struct {
	Manifest string         `toml:"manifest"`
	Runtime  []string       `toml:"runtime"`
	Vendor   VendorChunk    `toml:"vendor"`
	Isolate  []IsolateChunk `toml:"isolate"`
}

type VendorChunk struct {
	Name    string   `toml:"name"`
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
	// MinRefs is the number of entry points that must reach a vendor module
	// before it moves to the vendor bundle. 1 means any.
	MinRefs int `toml:"min_refs"`
}

type IsolateChunk struct {
	Name    string   `toml:"name"`
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

type Graph struct {
	Include []string `toml:"include"`
}

type Output struct {
	Path       string `toml:"path"`
	PublicPath string `toml:"public_path"`
	Filename   string `toml:"filename"`
	StatsFile  string `toml:"stats_file"`
	AssetDir   string `toml:"asset_dir"`
	Gzip       bool   `toml:"gzip"`
}

type Watch struct {
	Debounce             time.Duration `toml:"debounce"`
	Paths                []string      `toml:"paths"`
	Extensions           []string      `toml:"extensions"`
	MaxRebuildsPerSecond float64       `toml:"max_rebuilds_per_second"`
	ReloadConfig         bool          `toml:"reload_config"`
}

type Exclude struct {
	Dirs  []string `toml:"dirs"`
	Files []string `toml:"files"`
}

type DevServer struct {
	Address string            `toml:"address"`
	Headers map[string]string `toml:"headers"`
	Proxy   map[string]string `toml:"proxy"`
	// HotReload overrides the socket URL bundles connect to in serve mode.
	// Empty derives it from Address; "off" leaves the client out.
	HotReload string `toml:"hot_reload"`
}

// HotReloadURL returns the websocket URL emitted bundles subscribe to, or
// "" when hot reload is off.
func (d DevServer) HotReloadURL() string {
	switch v := strings.TrimSpace(d.HotReload); {
	case v == HotReloadOff:
		return ""
	case v != "":
		return v
	}
	host, port, err := net.SplitHostPort(d.Address)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port) + HotReloadPath
}

type Database struct {
	Enabled     bool          `toml:"enabled"`
	Path        string        `toml:"path"`
	BusyTimeout time.Duration `toml:"busy_timeout"`
	// Keep caps the builds retained per project. 0 keeps everything.
	Keep int `toml:"keep"`
	// QueueCapacity bounds build records awaiting the background writer.
	QueueCapacity int `toml:"queue_capacity"`
}

type Observability struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
}

// Source returns the path the config was loaded from.
func (c *Config) Source() string {
	return c.source
}

// Abs resolves p against the project root.
func (c *Config) Abs(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return c.ProjectRoot
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.ProjectRoot, p)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.ProjectRoot) == "" {
		cfg.ProjectRoot = "."
	}
	if strings.TrimSpace(cfg.ProjectKey) == "" {
		if abs, err := filepath.Abs(cfg.ProjectRoot); err == nil {
			cfg.ProjectKey = filepath.Base(abs)
		} else {
			cfg.ProjectKey = "default"
		}
	}

	if len(cfg.Resolve.Modules) == 0 {
		cfg.Resolve.Modules = []string{"node_modules"}
	}
	if len(cfg.Resolve.Extensions) == 0 {
		cfg.Resolve.Extensions = []string{".js", ".json"}
	}

	if cfg.Parse.Concurrency <= 0 {
		cfg.Parse.Concurrency = runtime.NumCPU()
	}
	if cfg.Parse.CacheSize <= 0 {
		cfg.Parse.CacheSize = 4096
	}

	if strings.TrimSpace(cfg.Chunks.Manifest) == "" {
		cfg.Chunks.Manifest = "manifest"
	}
	hasRuntime := false
	for _, p := range cfg.Chunks.Runtime {
		if p == RuntimeModuleID {
			hasRuntime = true
		}
	}
	if !hasRuntime {
		cfg.Chunks.Runtime = append([]string{RuntimeModuleID}, cfg.Chunks.Runtime...)
	}
	if strings.TrimSpace(cfg.Chunks.Vendor.Name) == "" {
		cfg.Chunks.Vendor.Name = "vendor"
	}
	if len(cfg.Chunks.Vendor.Include) == 0 {
		cfg.Chunks.Vendor.Include = []string{"node_modules/**"}
	}
	if cfg.Chunks.Vendor.MinRefs <= 0 {
		cfg.Chunks.Vendor.MinRefs = 1
	}

	if strings.TrimSpace(cfg.Output.Path) == "" {
		cfg.Output.Path = "dist/bundles"
	}
	if strings.TrimSpace(cfg.Output.PublicPath) == "" {
		cfg.Output.PublicPath = "/static/bundles/"
	}
	if strings.TrimSpace(cfg.Output.Filename) == "" {
		cfg.Output.Filename = "[name]-[hash].js"
	}
	if strings.TrimSpace(cfg.Output.StatsFile) == "" {
		cfg.Output.StatsFile = "webpack-stats.json"
	}
	if strings.TrimSpace(cfg.Output.AssetDir) == "" {
		cfg.Output.AssetDir = "fonts"
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 300 * time.Millisecond
	}
	if len(cfg.Watch.Paths) == 0 {
		cfg.Watch.Paths = []string{"."}
	}
	if len(cfg.Watch.Extensions) == 0 {
		cfg.Watch.Extensions = []string{".js", ".jsx", ".mjs", ".ts", ".tsx", ".json", ".css", ".scss", ".underscore"}
	}
	if cfg.Watch.MaxRebuildsPerSecond == 0 {
		cfg.Watch.MaxRebuildsPerSecond = 2
	}
	if len(cfg.Exclude.Dirs) == 0 {
		cfg.Exclude.Dirs = []string{".git", "node_modules", "bundles"}
	}

	if strings.TrimSpace(cfg.DevServer.Address) == "" {
		cfg.DevServer.Address = "127.0.0.1:8080"
	}
	if cfg.DevServer.Headers == nil {
		cfg.DevServer.Headers = map[string]string{"Access-Control-Allow-Origin": "*"}
	}

	if strings.TrimSpace(cfg.DB.Path) == "" {
		cfg.DB.Path = "data/assetplan.db"
	}
	if cfg.DB.QueueCapacity <= 0 {
		cfg.DB.QueueCapacity = 64
	}
	if cfg.DB.BusyTimeout <= 0 {
		cfg.DB.BusyTimeout = 2 * time.Second
	}
}

func normalize(cfg *Config) {
	for i := range cfg.Entries {
		cfg.Entries[i].Name = strings.TrimSpace(cfg.Entries[i].Name)
		cfg.Entries[i].Path = strings.TrimSpace(cfg.Entries[i].Path)
	}
	for i := range cfg.Chunks.Isolate {
		cfg.Chunks.Isolate[i].Name = strings.TrimSpace(cfg.Chunks.Isolate[i].Name)
	}
	for i := range cfg.Loaders {
		cfg.Loaders[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Loaders[i].Kind))
	}
	exts := make([]string, 0, len(cfg.Resolve.Extensions))
	for _, ext := range cfg.Resolve.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	cfg.Resolve.Extensions = exts
	if !strings.HasSuffix(cfg.Output.PublicPath, "/") {
		cfg.Output.PublicPath += "/"
	}
}
