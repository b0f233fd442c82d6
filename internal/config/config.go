// Package config loads the proxy's configuration, merging CLI flags,
// environment variables, an optional JSON config file, and auto-detected
// defaults, in that priority order (highest to lowest).
package config

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is the fully merged configuration the proxy runs with.
type Config struct {
	Node                  string `json:"node,omitempty" env:"MCP_PROXY_NODE_PATH"`
	AuggieEntry           string `json:"auggieEntry,omitempty" env:"MCP_PROXY_AUGGIE_ENTRY"`
	Mode                  string `json:"mode,omitempty"`
	MaxBackends           int    `json:"maxBackends,omitempty"`
	IdleTTLSeconds        uint64 `json:"idleTtlSeconds,omitempty"`
	LogLevel              string `json:"logLevel,omitempty" env:"MCP_PROXY_LOG"`
	SpawnTimeoutSeconds   uint64 `json:"spawnTimeoutSeconds,omitempty"`
	RequestTimeoutSeconds uint64 `json:"requestTimeoutSeconds,omitempty"`
	MaxInflightGlobal     int    `json:"maxInflightGlobal,omitempty"`
	DefaultRoot           string `json:"defaultRoot,omitempty" env:"MCP_PROXY_DEFAULT_ROOT"`
	PrewarmDefaultRoot    bool   `json:"prewarmDefaultRoot,omitempty"`
	DebounceMs            uint64 `json:"debounceMs,omitempty"`
	CPUAffinity           uint64 `json:"cpuAffinity,omitempty"`
	LowPriority           bool   `json:"lowPriority,omitempty"`
	GitFilter             bool   `json:"gitFilter,omitempty"`
	SingleInstance        bool   `json:"singleInstance,omitempty"`
}

// fileConfig holds the subset of Config that the JSON file can set, with every
// field optional, for merging a sparse file without clobbering values already
// set by CLI/env. spawnTimeoutSeconds, requestTimeoutSeconds,
// maxInflightGlobal, prewarmDefaultRoot and singleInstance are not read from
// the file.
type fileConfig struct {
	Node                  *string `json:"node"`
	AuggieEntry           *string `json:"auggieEntry"`
	Mode                  *string `json:"mode"`
	MaxBackends           *int    `json:"maxBackends"`
	IdleTTLSeconds        *uint64 `json:"idleTtlSeconds"`
	LogLevel              *string `json:"logLevel"`
	DefaultRoot           *string `json:"defaultRoot"`
	DebounceMs            *uint64 `json:"debounceMs"`
	CPUAffinity           *uint64 `json:"cpuAffinity"`
	LowPriority           *bool   `json:"lowPriority"`
	GitFilter             *bool   `json:"gitFilter"`
}

// Defaults returns the literal defaults from the CLI surface.
func Defaults() Config {
	return Config{
		Mode:                  "default",
		MaxBackends:           3,
		IdleTTLSeconds:        600,
		LogLevel:              "info",
		SpawnTimeoutSeconds:   30,
		RequestTimeoutSeconds: 120,
		MaxInflightGlobal:     0,
		PrewarmDefaultRoot:    false,
		DebounceMs:            500,
		CPUAffinity:           0,
		LowPriority:           true,
		GitFilter:             true,
		SingleInstance:        false,
	}
}

// ChangedFlags reports, by CLI flag name, whether the flag was explicitly
// passed by the user. Callers in cmd/mcp-proxy pass this through from
// cobra's *pflag.FlagSet.Changed so only flags the user actually set
// override env/file values.
type ChangedFlags map[string]bool

// Load builds the final Config by layering, lowest priority first: built-in
// defaults, the JSON config file, environment variables, then CLI flags
// (only those the caller reports as explicitly changed). It then runs
// auto-detection for node/auggie-entry if either is still unset.
func Load(cli Config, changed ChangedFlags) (Config, error) {
	cfg := Defaults()

	if fc, path := findAndLoadFile(); fc != nil {
		applyFile(&cfg, fc)
		_ = path // candidate path retained for logging by the caller if desired
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing environment configuration")
	}

	applyCLI(&cfg, cli, changed)

	validateConfiguredPaths(&cfg)

	if cfg.Node == "" {
		cfg.Node = detectNodePath()
	}
	if cfg.AuggieEntry == "" {
		cfg.AuggieEntry = detectAuggieEntry()
	}

	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Node != nil && cfg.Node == "" {
		cfg.Node = *fc.Node
	}
	if fc.AuggieEntry != nil && cfg.AuggieEntry == "" {
		cfg.AuggieEntry = *fc.AuggieEntry
	}
	if fc.DefaultRoot != nil && cfg.DefaultRoot == "" {
		cfg.DefaultRoot = *fc.DefaultRoot
	}
	if fc.Mode != nil {
		cfg.Mode = *fc.Mode
	}
	if fc.MaxBackends != nil {
		cfg.MaxBackends = *fc.MaxBackends
	}
	if fc.IdleTTLSeconds != nil {
		cfg.IdleTTLSeconds = *fc.IdleTTLSeconds
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.DebounceMs != nil {
		cfg.DebounceMs = *fc.DebounceMs
	}
	if fc.CPUAffinity != nil {
		cfg.CPUAffinity = *fc.CPUAffinity
	}
	if fc.LowPriority != nil {
		cfg.LowPriority = *fc.LowPriority
	}
	if fc.GitFilter != nil {
		cfg.GitFilter = *fc.GitFilter
	}
}

func applyCLI(cfg *Config, cli Config, changed ChangedFlags) {
	set := func(name string) bool { return changed != nil && changed[name] }

	if set("node") {
		cfg.Node = cli.Node
	}
	if set("auggie-entry") {
		cfg.AuggieEntry = cli.AuggieEntry
	}
	if set("mode") {
		cfg.Mode = cli.Mode
	}
	if set("max-backends") {
		cfg.MaxBackends = cli.MaxBackends
	}
	if set("idle-ttl-seconds") {
		cfg.IdleTTLSeconds = cli.IdleTTLSeconds
	}
	if set("log-level") {
		cfg.LogLevel = cli.LogLevel
	}
	if set("spawn-timeout-seconds") {
		cfg.SpawnTimeoutSeconds = cli.SpawnTimeoutSeconds
	}
	if set("request-timeout-seconds") {
		cfg.RequestTimeoutSeconds = cli.RequestTimeoutSeconds
	}
	if set("max-inflight-global") {
		cfg.MaxInflightGlobal = cli.MaxInflightGlobal
	}
	if set("default-root") {
		cfg.DefaultRoot = cli.DefaultRoot
	}
	if set("prewarm-default-root") {
		cfg.PrewarmDefaultRoot = cli.PrewarmDefaultRoot
	}
	if set("debounce-ms") {
		cfg.DebounceMs = cli.DebounceMs
	}
	if set("cpu-affinity") {
		cfg.CPUAffinity = cli.CPUAffinity
	}
	if set("low-priority") {
		cfg.LowPriority = cli.LowPriority
	}
	if set("git-filter") {
		cfg.GitFilter = cli.GitFilter
	}
	if set("single-instance") {
		cfg.SingleInstance = cli.SingleInstance
	}
}

func validateConfiguredPaths(cfg *Config) {
	if cfg.Node != "" {
		if _, err := os.Stat(cfg.Node); err != nil {
			cfg.Node = ""
		}
	}
	if cfg.AuggieEntry != "" {
		if _, err := os.Stat(cfg.AuggieEntry); err != nil {
			cfg.AuggieEntry = ""
		}
	}
}

func candidatePaths() []string {
	var candidates []string

	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "mcp-proxy.json"))
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, "mcp-proxy.json"))
	}

	if runtime.GOOS == "windows" {
		if up := os.Getenv("USERPROFILE"); up != "" {
			candidates = append(candidates,
				filepath.Join(up, ".config", "mcp-proxy.json"),
				filepath.Join(up, "mcp-proxy.json"),
			)
		}
	} else {
		if home := os.Getenv("HOME"); home != "" {
			candidates = append(candidates,
				filepath.Join(home, ".config", "mcp-proxy.json"),
				filepath.Join(home, ".mcp-proxy.json"),
			)
		}
	}

	return candidates
}

func findAndLoadFile() (*fileConfig, string) {
	for _, path := range candidatePaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var fc fileConfig
		if err := json.Unmarshal(data, &fc); err != nil {
			continue
		}
		return &fc, path
	}
	return nil, ""
}

func detectNodePath() string {
	if runtime.GOOS == "windows" {
		for _, candidate := range []string{
			`C:\Program Files\nodejs\node.exe`,
			`C:\Program Files (x86)\nodejs\node.exe`,
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		if out, err := exec.Command("where", "node").Output(); err == nil {
			if line := firstLine(out); line != "" {
				return line
			}
		}
		return ""
	}

	if path, err := exec.LookPath("node"); err == nil {
		return path
	}
	return ""
}

func detectAuggieEntry() string {
	if runtime.GOOS == "windows" {
		var candidates []string
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			candidates = append(candidates,
				filepath.Join(appdata, "npm", "node_modules", "@augmentcode", "auggie", "augment.mjs"),
				filepath.Join(appdata, "npm", "node_modules", "@augmentcode", "auggie", "dist", "cli.js"),
			)
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			candidates = append(candidates,
				filepath.Join(local, "pnpm", "global", "5", "node_modules", "@augmentcode", "auggie", "augment.mjs"),
				filepath.Join(local, "Yarn", "Data", "global", "node_modules", "@augmentcode", "auggie", "augment.mjs"),
			)
		}
		if out, err := exec.Command("npm", "root", "-g").Output(); err == nil {
			root := strings.TrimSpace(string(out))
			candidates = append(candidates,
				filepath.Join(root, "@augmentcode", "auggie", "augment.mjs"),
				filepath.Join(root, "@augmentcode", "auggie", "dist", "cli.js"),
			)
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				return c
			}
		}
		return ""
	}

	out, err := exec.Command("npm", "root", "-g").Output()
	if err != nil {
		return ""
	}
	root := strings.TrimSpace(string(out))
	for _, c := range []string{
		filepath.Join(root, "augmentcode", "auggie", "augment.mjs"),
		filepath.Join(root, "@augmentcode", "auggie", "augment.mjs"),
	} {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}
