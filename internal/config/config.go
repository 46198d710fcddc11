// Package config provides configuration management for aion.
// Configuration is loaded from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (AION_*)
// 3. Project config (<root>/.aion/config.yaml, or AION_CONFIG)
// 4. Home config (~/.aion/config.yaml)
// 5. Defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all aion configuration.
type Config struct {
	// Output controls the default output format (table, json, yaml, jsonl).
	Output string `yaml:"output" json:"output"`

	// BaseDir is the state directory, relative to the project root (default: .aion).
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// Verbose enables debug logging on the terminal.
	Verbose bool `yaml:"verbose" json:"verbose"`

	Log         LogConfig           `yaml:"log" json:"log"`
	Snapshot    SnapshotConfig      `yaml:"snapshot" json:"snapshot"`
	Safety      SafetyConfig        `yaml:"safety" json:"safety"`
	Handover    HandoverConfig      `yaml:"handover" json:"handover"`
	Metrics     MetricsConfig       `yaml:"metrics" json:"metrics"`
	Context     ContextConfig       `yaml:"context" json:"context"`
	Transitions map[string][]string `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// LogConfig holds logging sinks.
type LogConfig struct {
	// File is the JSON log file, relative to BaseDir. "off" disables it.
	File string `yaml:"file" json:"file"`

	// Level is the terminal log level: debug, info, warn or error.
	Level string `yaml:"level" json:"level"`

	// Journal also sends records to the systemd journal.
	Journal bool `yaml:"journal" json:"journal"`
}

// SnapshotConfig holds snapshot store settings.
type SnapshotConfig struct {
	// Compression is none, zstd or lz4.
	Compression string `yaml:"compression" json:"compression"`

	// Workers is the number of parallel capture readers (0 = NumCPU).
	Workers int `yaml:"workers" json:"workers"`
}

// SafetyConfig holds the content policy applied by the validators.
type SafetyConfig struct {
	AllowBinary  bool     `yaml:"allow_binary" json:"allow_binary"`
	MaxFileBytes int      `yaml:"max_file_bytes" json:"max_file_bytes"`
	DeniedDirs   []string `yaml:"denied_dirs" json:"denied_dirs"`
	SecretScan   bool     `yaml:"secret_scan" json:"secret_scan"`

	// SecretScanSet tracks whether SecretScan was explicitly set, so an
	// explicit false can override a true default.
	SecretScanSet bool `yaml:"-" json:"-"`
}

// HandoverConfig holds handover projection settings.
type HandoverConfig struct {
	// Projection is the markdown projection file, relative to BaseDir. "off" disables it.
	Projection string `yaml:"projection" json:"projection"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// Textfile is the prometheus textfile, relative to BaseDir. "off" disables it.
	Textfile string `yaml:"textfile" json:"textfile"`
}

// ContextConfig holds context store settings.
type ContextConfig struct {
	// Database is the sqlite database file, relative to BaseDir.
	Database string `yaml:"database" json:"database"`
}

// Disabled is the value that turns off an optional file sink.
const Disabled = "off"

// Default config values (used in resolution and validation).
const (
	defaultOutput       = "table"
	defaultBaseDir      = ".aion"
	defaultLogFile      = "logs/aion.log"
	defaultLogLevel     = "info"
	defaultCompression  = "zstd"
	defaultMaxFileBytes = 10 << 20
	defaultProjection   = "HANDOVER.md"
	defaultTextfile     = "metrics.prom"
	defaultDatabase     = "context.db"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Output:  defaultOutput,
		BaseDir: defaultBaseDir,
		Verbose: false,
		Log: LogConfig{
			File:  defaultLogFile,
			Level: defaultLogLevel,
		},
		Snapshot: SnapshotConfig{
			Compression: defaultCompression,
		},
		Safety: SafetyConfig{
			MaxFileBytes: defaultMaxFileBytes,
			DeniedDirs:   []string{".git"},
			SecretScan:   true,
		},
		Handover: HandoverConfig{Projection: defaultProjection},
		Metrics:  MetricsConfig{Textfile: defaultTextfile},
		Context:  ContextConfig{Database: defaultDatabase},
	}
}

// Enabled reports whether an optional file setting is switched on.
func Enabled(path string) bool {
	return path != "" && path != Disabled
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	switch c.Output {
	case "table", "json", "yaml", "jsonl":
	default:
		return fmt.Errorf("invalid output format %q (want table, json, yaml or jsonl)", c.Output)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Snapshot.Compression) {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("invalid snapshot compression %q (want none, zstd or lz4)", c.Snapshot.Compression)
	}
	if c.Snapshot.Workers < 0 {
		return fmt.Errorf("snapshot workers must not be negative, got %d", c.Snapshot.Workers)
	}
	if c.Safety.MaxFileBytes < 0 {
		return fmt.Errorf("safety max_file_bytes must not be negative, got %d", c.Safety.MaxFileBytes)
	}
	return nil
}

// Load loads configuration for the project at root with proper precedence.
// A non-empty configPath replaces the project config file.
// Priority: flags > env > project > home > defaults
func Load(root, configPath string, flagOverrides *Config) (*Config, error) {
	cfg := Default()

	homeConfig, err := loadFromPath(homeConfigPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("home config: %w", err)
	}
	if homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}

	projectConfig, err := loadFromPath(projectConfigPath(root, configPath, cfg.BaseDir))
	if err != nil && (configPath != "" || !os.IsNotExist(err)) {
		return nil, fmt.Errorf("project config: %w", err)
	}
	if projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}

	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// homeConfigPath returns the home config path.
func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aion", "config.yaml")
}

// ProjectConfigPath returns the project config file for root: an explicit
// path, then AION_CONFIG, then config.yaml in the state directory. The
// state directory comes from AION_BASE_DIR or the home config's base_dir;
// a base_dir set in the project config cannot move the file it is read from.
func ProjectConfigPath(root, explicit string) string {
	baseDir := defaultBaseDir
	if home, err := loadFromPath(homeConfigPath()); err == nil && home != nil && home.BaseDir != "" {
		baseDir = home.BaseDir
	}
	return projectConfigPath(root, explicit, baseDir)
}

func projectConfigPath(root, explicit, baseDir string) string {
	if explicit != "" {
		return explicit
	}
	if override := strings.TrimSpace(os.Getenv("AION_CONFIG")); override != "" {
		return override
	}
	if v, ok := getEnvString("AION_BASE_DIR"); ok {
		baseDir = v
	}
	if baseDir == "" {
		baseDir = defaultBaseDir
	}
	if filepath.IsAbs(baseDir) {
		return filepath.Join(baseDir, "config.yaml")
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		root = cwd
	}
	return filepath.Join(root, baseDir, "config.yaml")
}

// explicitBools captures booleans whose default is true, so a file that
// sets them to false can be told apart from one that omits them.
type explicitBools struct {
	Safety struct {
		SecretScan *bool `yaml:"secret_scan"`
	} `yaml:"safety"`
}

// loadFromPath loads config from a YAML file.
func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var explicit explicitBools
	if err := yaml.Unmarshal(data, &explicit); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if explicit.Safety.SecretScan != nil {
		cfg.Safety.SecretScan = *explicit.Safety.SecretScan
		cfg.Safety.SecretScanSet = true
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("AION_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("AION_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v, ok := getEnvBool("AION_VERBOSE"); ok && v {
		cfg.Verbose = true
	}
	if v := os.Getenv("AION_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v, ok := getEnvBool("AION_LOG_JOURNAL"); ok {
		cfg.Log.Journal = v
	}
	if v := os.Getenv("AION_SNAPSHOT_COMPRESSION"); v != "" {
		cfg.Snapshot.Compression = v
	}
	if v, ok := getEnvBool("AION_SAFETY_ALLOW_BINARY"); ok {
		cfg.Safety.AllowBinary = v
	}
	if v, ok := getEnvBool("AION_SAFETY_SECRET_SCAN"); ok {
		cfg.Safety.SecretScan = v
		cfg.Safety.SecretScanSet = true
	}
	return cfg
}

// mergeStr overwrites dst with src when src is non-empty.
func mergeStr(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// mergeInt overwrites dst with src when src is non-zero.
func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// merge merges src into dst, with src values taking precedence.
// Booleans that default to false are OR-ed; SecretScan uses its Set flag.
func merge(dst, src *Config) *Config {
	mergeStr(&dst.Output, src.Output)
	mergeStr(&dst.BaseDir, src.BaseDir)
	if src.Verbose {
		dst.Verbose = true
	}

	mergeLog(&dst.Log, &src.Log)
	mergeSnapshot(&dst.Snapshot, &src.Snapshot)
	mergeSafety(&dst.Safety, &src.Safety)
	mergeStr(&dst.Handover.Projection, src.Handover.Projection)
	mergeStr(&dst.Metrics.Textfile, src.Metrics.Textfile)
	mergeStr(&dst.Context.Database, src.Context.Database)
	mergeTransitions(dst, src.Transitions)

	return dst
}

func mergeLog(dst, src *LogConfig) {
	mergeStr(&dst.File, src.File)
	mergeStr(&dst.Level, src.Level)
	if src.Journal {
		dst.Journal = true
	}
}

func mergeSnapshot(dst, src *SnapshotConfig) {
	mergeStr(&dst.Compression, src.Compression)
	mergeInt(&dst.Workers, src.Workers)
}

func mergeSafety(dst, src *SafetyConfig) {
	if src.AllowBinary {
		dst.AllowBinary = true
	}
	mergeInt(&dst.MaxFileBytes, src.MaxFileBytes)
	if src.DeniedDirs != nil {
		dst.DeniedDirs = append([]string(nil), src.DeniedDirs...)
	}
	if src.SecretScanSet {
		dst.SecretScan = src.SecretScan
		dst.SecretScanSet = true
	}
}

// mergeTransitions adds src edges to dst. Transitions are additive across
// layers: a later layer can add successors but never remove one.
func mergeTransitions(dst *Config, src map[string][]string) {
	if len(src) == 0 {
		return
	}
	if dst.Transitions == nil {
		dst.Transitions = make(map[string][]string, len(src))
	}
	for from, tos := range src {
		for _, to := range tos {
			if !contains(dst.Transitions[from], to) {
				dst.Transitions[from] = append(dst.Transitions[from], to)
			}
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// TransitionSources returns the configured extra edge sources in sorted order.
func (c *Config) TransitionSources() []string {
	keys := make([]string, 0, len(c.Transitions))
	for k := range c.Transitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StatePath resolves a setting relative to the state directory under root.
func (c *Config) StatePath(root, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	base := c.BaseDir
	if !filepath.IsAbs(base) {
		base = filepath.Join(root, base)
	}
	return filepath.Join(base, rel)
}

// Source represents where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceHome    Source = "~/.aion/config.yaml"
	SourceProject Source = "<base_dir>/config.yaml"
	SourceEnv     Source = "environment"
	SourceFlag    Source = "flag"
)

// getEnvString returns the value and whether the env var was set.
func getEnvString(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

// getEnvBool returns the boolean value and whether the variable held a
// recognised boolean.
func getEnvBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// resolveStringField resolves a string through the precedence chain.
// Returns the resolved value and its source.
func resolveStringField(home, project, env, flag, def string) resolved {
	result := resolved{Value: def, Source: SourceDefault}
	if home != "" {
		result = resolved{Value: home, Source: SourceHome}
	}
	if project != "" {
		result = resolved{Value: project, Source: SourceProject}
	}
	if env != "" {
		result = resolved{Value: env, Source: SourceEnv}
	}
	if flag != "" {
		result = resolved{Value: flag, Source: SourceFlag}
	}
	return result
}

// ResolvedConfig shows config values with their sources.
type ResolvedConfig struct {
	Output              resolved `json:"output" yaml:"output"`
	BaseDir             resolved `json:"base_dir" yaml:"base_dir"`
	Verbose             resolved `json:"verbose" yaml:"verbose"`
	LogLevel            resolved `json:"log_level" yaml:"log_level"`
	LogFile             resolved `json:"log_file" yaml:"log_file"`
	LogJournal          resolved `json:"log_journal" yaml:"log_journal"`
	SnapshotCompression resolved `json:"snapshot_compression" yaml:"snapshot_compression"`
	SafetyAllowBinary   resolved `json:"safety_allow_binary" yaml:"safety_allow_binary"`
	SafetySecretScan    resolved `json:"safety_secret_scan" yaml:"safety_secret_scan"`
	HandoverProjection  resolved `json:"handover_projection" yaml:"handover_projection"`
	MetricsTextfile     resolved `json:"metrics_textfile" yaml:"metrics_textfile"`
	ContextDatabase     resolved `json:"context_database" yaml:"context_database"`
}

type resolved struct {
	Value  interface{} `json:"value" yaml:"value"`
	Source Source      `json:"source" yaml:"source"`
}

// Field is one resolved setting.
type Field struct {
	Name   string      `json:"name" yaml:"name"`
	Value  interface{} `json:"value" yaml:"value"`
	Source Source      `json:"source" yaml:"source"`
}

// Fields returns the resolved values in display order.
func (rc *ResolvedConfig) Fields() []Field {
	field := func(name string, r resolved) Field {
		return Field{Name: name, Value: r.Value, Source: r.Source}
	}
	return []Field{
		field("output", rc.Output),
		field("base_dir", rc.BaseDir),
		field("verbose", rc.Verbose),
		field("log.level", rc.LogLevel),
		field("log.file", rc.LogFile),
		field("log.journal", rc.LogJournal),
		field("snapshot.compression", rc.SnapshotCompression),
		field("safety.allow_binary", rc.SafetyAllowBinary),
		field("safety.secret_scan", rc.SafetySecretScan),
		field("handover.projection", rc.HandoverProjection),
		field("metrics.textfile", rc.MetricsTextfile),
		field("context.database", rc.ContextDatabase),
	}
}

// resolveBoolField resolves a boolean through the precedence chain. Each
// layer is given as (value, set).
func resolveBoolField(def bool, layers ...layerBool) resolved {
	result := resolved{Value: def, Source: SourceDefault}
	for _, l := range layers {
		if l.set {
			result = resolved{Value: l.value, Source: l.source}
		}
	}
	return result
}

type layerBool struct {
	value  bool
	set    bool
	source Source
}

// Resolve returns configuration with source tracking for the project at root.
// Uses precedence chain: flags > env > project > home > defaults.
func Resolve(root, configPath, flagOutput, flagBaseDir string, flagVerbose bool) *ResolvedConfig {
	home, _ := loadFromPath(homeConfigPath())
	project, _ := loadFromPath(ProjectConfigPath(root, configPath))
	if home == nil {
		home = &Config{}
	}
	if project == nil {
		project = &Config{}
	}

	envOutput, _ := getEnvString("AION_OUTPUT")
	envBaseDir, _ := getEnvString("AION_BASE_DIR")
	envVerbose, envVerboseSet := getEnvBool("AION_VERBOSE")
	envLogLevel, _ := getEnvString("AION_LOG_LEVEL")
	envJournal, envJournalSet := getEnvBool("AION_LOG_JOURNAL")
	envCompression, _ := getEnvString("AION_SNAPSHOT_COMPRESSION")
	envAllowBinary, envAllowBinarySet := getEnvBool("AION_SAFETY_ALLOW_BINARY")
	envSecretScan, envSecretScanSet := getEnvBool("AION_SAFETY_SECRET_SCAN")

	rc := &ResolvedConfig{
		Output:              resolveStringField(home.Output, project.Output, envOutput, flagOutput, defaultOutput),
		BaseDir:             resolveStringField(home.BaseDir, project.BaseDir, envBaseDir, flagBaseDir, defaultBaseDir),
		LogLevel:            resolveStringField(home.Log.Level, project.Log.Level, envLogLevel, "", defaultLogLevel),
		LogFile:             resolveStringField(home.Log.File, project.Log.File, "", "", defaultLogFile),
		SnapshotCompression: resolveStringField(home.Snapshot.Compression, project.Snapshot.Compression, envCompression, "", defaultCompression),
		HandoverProjection:  resolveStringField(home.Handover.Projection, project.Handover.Projection, "", "", defaultProjection),
		MetricsTextfile:     resolveStringField(home.Metrics.Textfile, project.Metrics.Textfile, "", "", defaultTextfile),
		ContextDatabase:     resolveStringField(home.Context.Database, project.Context.Database, "", "", defaultDatabase),
	}

	rc.Verbose = resolveBoolField(false,
		layerBool{true, home.Verbose, SourceHome},
		layerBool{true, project.Verbose, SourceProject},
		layerBool{true, envVerboseSet && envVerbose, SourceEnv},
		layerBool{true, flagVerbose, SourceFlag},
	)
	rc.LogJournal = resolveBoolField(false,
		layerBool{true, home.Log.Journal, SourceHome},
		layerBool{true, project.Log.Journal, SourceProject},
		layerBool{envJournal, envJournalSet, SourceEnv},
	)
	rc.SafetyAllowBinary = resolveBoolField(false,
		layerBool{true, home.Safety.AllowBinary, SourceHome},
		layerBool{true, project.Safety.AllowBinary, SourceProject},
		layerBool{envAllowBinary, envAllowBinarySet, SourceEnv},
	)
	rc.SafetySecretScan = resolveBoolField(true,
		layerBool{home.Safety.SecretScan, home.Safety.SecretScanSet, SourceHome},
		layerBool{project.Safety.SecretScan, project.Safety.SecretScanSet, SourceProject},
		layerBool{envSecretScan, envSecretScanSet, SourceEnv},
	)

	return rc
}
