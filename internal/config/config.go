package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// ErrNoTargets is returned when neither the environment nor the config file
// declares a target to watch.
var ErrNoTargets = errors.New("no targets configured")

type Config struct {
	Server     ServerConfig
	Build      BuildConfig
	Targets    []TargetConfig
	Storage    StorageConfig
	Checkpoint CheckpointConfig
	Journal    JournalConfig
	Metrics    MetricsConfig
	Log        LogConfig
}

type ServerConfig struct {
	Address          string
	KeepAlive        time.Duration
	SubscriberBuffer int
}

type BuildConfig struct {
	ScratchDir       string
	Driver           string
	DriverArgs       []string
	Debounce         time.Duration
	ToolchainLibDirs []string
	LinkerShim       string
	RealLinker       string
}

// TargetConfig is what the registration side hands us for one target: where
// the code and assets live and which package produces the root library.
type TargetConfig struct {
	Target     target.Target
	Package    string
	Example    string
	ProjectDir string
	CodeDirs   []string
	AssetDirs  []string
}

type StorageConfig struct {
	MirrorURL string // "" disables the mirror; file:///, mem://, s3://, gs://
}

type CheckpointConfig struct {
	Enabled bool
	Dir     string
}

type JournalConfig struct {
	Enabled  bool
	Dir      string
	Endpoint string
}

type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

type LogConfig struct {
	Format string
	Level  string
}

// fileConfig mirrors the optional YAML file.
type fileConfig struct {
	Server struct {
		Address   string `yaml:"address"`
		KeepAlive string `yaml:"keep_alive"`
	} `yaml:"server"`
	Build struct {
		ScratchDir       string   `yaml:"scratch_dir"`
		Driver           string   `yaml:"driver"`
		DriverArgs       string   `yaml:"driver_args"`
		Debounce         string   `yaml:"debounce"`
		ToolchainLibDirs []string `yaml:"toolchain_lib_dirs"`
		RealLinker       string   `yaml:"real_linker"`
	} `yaml:"build"`
	Targets []struct {
		Target     string   `yaml:"target"`
		Package    string   `yaml:"package"`
		Example    string   `yaml:"example"`
		ProjectDir string   `yaml:"project_dir"`
		CodeDirs   []string `yaml:"code_dirs"`
		AssetDirs  []string `yaml:"asset_dirs"`
	} `yaml:"targets"`
	Storage struct {
		MirrorURL string `yaml:"mirror_url"`
	} `yaml:"storage"`
}

// Load builds the configuration from HOTPATCH_* environment variables, then
// overlays the YAML file named by HOTPATCH_CONFIG if set. With ErrNoTargets
// the rest of the returned Config is still valid.
func Load() (Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return Config{}, err
	}

	if path := os.Getenv("HOTPATCH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if len(cfg.Targets) == 0 {
		return cfg, ErrNoTargets
	}
	return cfg, nil
}

func fromEnv() (Config, error) {
	driverArgs, err := shlex.Split(getenvDefault("HOTPATCH_DRIVER_ARGS", "build --message-format=json-render-diagnostics --lib"))
	if err != nil {
		return Config{}, fmt.Errorf("split HOTPATCH_DRIVER_ARGS: %w", err)
	}

	cfg := Config{
		Server: ServerConfig{
			Address:          getenvDefault("HOTPATCH_ADDR", ":7878"),
			KeepAlive:        parseDuration(os.Getenv("HOTPATCH_KEEPALIVE"), 5*time.Second),
			SubscriberBuffer: parseInt(os.Getenv("HOTPATCH_SUBSCRIBER_BUFFER"), 64),
		},
		Build: BuildConfig{
			ScratchDir:       getenvDefault("HOTPATCH_SCRATCH_DIR", ".hotpatch"),
			Driver:           getenvDefault("HOTPATCH_DRIVER", "cargo"),
			DriverArgs:       driverArgs,
			Debounce:         parseDuration(os.Getenv("HOTPATCH_DEBOUNCE"), 200*time.Millisecond),
			ToolchainLibDirs: splitList(os.Getenv("HOTPATCH_TOOLCHAIN_LIB_DIRS")),
			LinkerShim:       getenvDefault("HOTPATCH_LINKER_SHIM", defaultLinkerShim()),
			RealLinker:       getenvDefault("HOTPATCH_REAL_LINKER", "cc"),
		},
		Storage: StorageConfig{
			MirrorURL: os.Getenv("HOTPATCH_MIRROR_URL"),
		},
		Checkpoint: CheckpointConfig{
			Enabled: os.Getenv("CHECKPOINT_ENABLED") != "false",
			Dir:     getenvDefault("CHECKPOINT_DIR", filepath.Join(".hotpatch", "state")),
		},
		Journal: JournalConfig{
			Enabled:  os.Getenv("JOURNAL_ENABLED") == "true",
			Dir:      getenvDefault("JOURNAL_DIR", filepath.Join(".hotpatch", "journal")),
			Endpoint: os.Getenv("JOURNAL_ENDPOINT"),
		},
		Metrics: MetricsConfig{
			Enabled:   os.Getenv("METRICS_ENABLED") != "false",
			Namespace: getenvDefault("METRICS_NAMESPACE", "hotpatch"),
		},
		Log: LogConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
	}

	if name := os.Getenv("HOTPATCH_TARGET"); name != "" {
		t, err := target.Parse(name)
		if err != nil {
			return Config{}, err
		}
		cfg.Targets = append(cfg.Targets, TargetConfig{
			Target:     t,
			Package:    os.Getenv("HOTPATCH_PACKAGE"),
			Example:    os.Getenv("HOTPATCH_EXAMPLE"),
			ProjectDir: getenvDefault("HOTPATCH_PROJECT_DIR", "."),
			CodeDirs:   splitList(getenvDefault("HOTPATCH_CODE_DIRS", "src")),
			AssetDirs:  splitList(os.Getenv("HOTPATCH_ASSET_DIRS")),
		})
	}
	return cfg, nil
}

func (cfg *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if fc.Server.Address != "" {
		cfg.Server.Address = fc.Server.Address
	}
	if fc.Server.KeepAlive != "" {
		d, err := time.ParseDuration(fc.Server.KeepAlive)
		if err != nil {
			return fmt.Errorf("server.keep_alive: %w", err)
		}
		cfg.Server.KeepAlive = d
	}
	if fc.Build.ScratchDir != "" {
		cfg.Build.ScratchDir = fc.Build.ScratchDir
	}
	if fc.Build.Driver != "" {
		cfg.Build.Driver = fc.Build.Driver
	}
	if fc.Build.DriverArgs != "" {
		args, err := shlex.Split(fc.Build.DriverArgs)
		if err != nil {
			return fmt.Errorf("build.driver_args: %w", err)
		}
		cfg.Build.DriverArgs = args
	}
	if fc.Build.Debounce != "" {
		d, err := time.ParseDuration(fc.Build.Debounce)
		if err != nil {
			return fmt.Errorf("build.debounce: %w", err)
		}
		cfg.Build.Debounce = d
	}
	if len(fc.Build.ToolchainLibDirs) > 0 {
		cfg.Build.ToolchainLibDirs = fc.Build.ToolchainLibDirs
	}
	if fc.Build.RealLinker != "" {
		cfg.Build.RealLinker = fc.Build.RealLinker
	}
	if fc.Storage.MirrorURL != "" {
		cfg.Storage.MirrorURL = fc.Storage.MirrorURL
	}

	for i, ft := range fc.Targets {
		t, err := target.Parse(ft.Target)
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		tc := TargetConfig{
			Target:     t,
			Package:    ft.Package,
			Example:    ft.Example,
			ProjectDir: ft.ProjectDir,
			CodeDirs:   ft.CodeDirs,
			AssetDirs:  ft.AssetDirs,
		}
		if tc.ProjectDir == "" {
			tc.ProjectDir = "."
		}
		if len(tc.CodeDirs) == 0 {
			tc.CodeDirs = []string{"src"}
		}
		cfg.setTarget(tc)
	}
	return nil
}

// setTarget replaces an existing entry for the same target or appends.
func (cfg *Config) setTarget(tc TargetConfig) {
	for i := range cfg.Targets {
		if cfg.Targets[i].Target == tc.Target {
			cfg.Targets[i] = tc
			return
		}
	}
	cfg.Targets = append(cfg.Targets, tc)
}

// Target returns the configuration for t.
func (cfg Config) Target(t target.Target) (TargetConfig, bool) {
	for _, tc := range cfg.Targets {
		if tc.Target == t {
			return tc, true
		}
	}
	return TargetConfig{}, false
}

func defaultLinkerShim() string {
	exe, err := os.Executable()
	if err != nil {
		return "hotpatch-ld"
	}
	return filepath.Join(filepath.Dir(exe), "hotpatch-ld")
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range filepath.SplitList(v) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
