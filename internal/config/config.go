package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/taskman/internal/node"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/danmuck/taskman/internal/worker"
	"github.com/rs/zerolog/log"
)

// Config is the top process's tree description.
type Config struct {
	Name     string
	Defaults worker.Options
	Admin    AdminConfig
	Workers  []WorkerConfig
}

type AdminConfig struct {
	Enabled     bool
	Addr        string
	CorsOrigins []string
}

type WorkerConfig struct {
	Name      string
	Path      string
	Args      []string
	Env       []string
	Dir       string
	Timeout   time.Duration
	Autostart bool
	Init      json.RawMessage
	SSH       *transport.SSHTarget
}

func Default() Config {
	return Config{
		Name:     "main",
		Defaults: worker.DefaultOptions(),
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9400",
		},
	}
}

type fileConfig struct {
	Name     string       `toml:"name"`
	Defaults fileDefaults `toml:"defaults"`
	Admin    fileAdmin    `toml:"admin"`
	Workers  []fileWorker `toml:"workers"`
}

type fileDefaults struct {
	Timeout                string  `toml:"timeout"`
	PrivilegedMultiplier   int     `toml:"privileged_multiplier"`
	CrashRestartDelay      string  `toml:"crash_restart_delay"`
	CrashBackoffMultiplier float64 `toml:"crash_backoff_multiplier"`
	CrashMaxDelay          string  `toml:"crash_max_delay"`
	CrashJitter            bool    `toml:"crash_jitter"`
	MaxCrashRestarts       int     `toml:"max_crash_restarts"`
	CrashWindow            string  `toml:"crash_window"`
	KeepPendingOnExit      bool    `toml:"keep_pending_on_exit"`
}

type fileAdmin struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type fileWorker struct {
	Name      string         `toml:"name"`
	Path      string         `toml:"path"`
	Args      []string       `toml:"args,omitempty"`
	Env       []string       `toml:"env,omitempty"`
	Dir       string         `toml:"dir,omitempty"`
	Timeout   string         `toml:"timeout,omitempty"`
	Autostart *bool          `toml:"autostart,omitempty"`
	Init      map[string]any `toml:"init,omitempty"`
	SSH       *fileSSH       `toml:"ssh,omitempty"`
}

type fileSSH struct {
	Host          string `toml:"host"`
	Port          string `toml:"port"`
	User          string `toml:"user"`
	KeyPath       string `toml:"key_path"`
	KnownHosts    string `toml:"known_hosts"`
	Insecure      bool   `toml:"insecure"`
	Timeout       string `toml:"timeout"`
	PassphraseEnv string `toml:"passphrase_env"`
}

// Load reads path on top of Default. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("key", key.String()).Str("path", path).Msg("unknown config key ignored")
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if err := applyDefaults(&cfg.Defaults, raw.Defaults, meta); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("admin", "enabled") {
		cfg.Admin.Enabled = raw.Admin.Enabled
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeList(raw.Admin.CorsOrigins)
	}

	for i, fw := range raw.Workers {
		wc, err := convertWorker(fw)
		if err != nil {
			return Config{}, fmt.Errorf("workers[%d]: %w", i, err)
		}
		cfg.Workers = append(cfg.Workers, wc)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(opts *worker.Options, raw fileDefaults, meta toml.MetaData) error {
	var err error
	if meta.IsDefined("defaults", "timeout") {
		if opts.Timeout, err = parseDuration("defaults.timeout", raw.Timeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("defaults", "privileged_multiplier") {
		opts.PrivilegedMultiplier = raw.PrivilegedMultiplier
	}
	if meta.IsDefined("defaults", "crash_restart_delay") {
		if opts.CrashBackoff.InitialDelay, err = parseDuration("defaults.crash_restart_delay", raw.CrashRestartDelay); err != nil {
			return err
		}
	}
	if meta.IsDefined("defaults", "crash_backoff_multiplier") {
		opts.CrashBackoff.Multiplier = raw.CrashBackoffMultiplier
	}
	if meta.IsDefined("defaults", "crash_max_delay") {
		if opts.CrashBackoff.MaxDelay, err = parseDuration("defaults.crash_max_delay", raw.CrashMaxDelay); err != nil {
			return err
		}
	}
	if meta.IsDefined("defaults", "crash_jitter") {
		opts.CrashBackoff.Jitter = raw.CrashJitter
	}
	if meta.IsDefined("defaults", "max_crash_restarts") {
		opts.MaxCrashRestarts = raw.MaxCrashRestarts
	}
	if meta.IsDefined("defaults", "crash_window") {
		if opts.CrashWindow, err = parseDuration("defaults.crash_window", raw.CrashWindow); err != nil {
			return err
		}
	}
	if meta.IsDefined("defaults", "keep_pending_on_exit") {
		opts.KeepPendingOnExit = raw.KeepPendingOnExit
	}
	return nil
}

func convertWorker(fw fileWorker) (WorkerConfig, error) {
	wc := WorkerConfig{
		Name:      strings.TrimSpace(fw.Name),
		Path:      strings.TrimSpace(fw.Path),
		Args:      fw.Args,
		Env:       fw.Env,
		Dir:       strings.TrimSpace(fw.Dir),
		Autostart: true,
	}
	if fw.Autostart != nil {
		wc.Autostart = *fw.Autostart
	}
	if strings.TrimSpace(fw.Timeout) != "" {
		d, err := parseDuration("timeout", fw.Timeout)
		if err != nil {
			return WorkerConfig{}, err
		}
		wc.Timeout = d
	}
	if len(fw.Init) > 0 {
		b, err := json.Marshal(fw.Init)
		if err != nil {
			return WorkerConfig{}, fmt.Errorf("encode init: %w", err)
		}
		wc.Init = b
	}
	if fw.SSH != nil {
		target := &transport.SSHTarget{
			Host:                        strings.TrimSpace(fw.SSH.Host),
			Port:                        strings.TrimSpace(fw.SSH.Port),
			User:                        strings.TrimSpace(fw.SSH.User),
			KeyPath:                     strings.TrimSpace(fw.SSH.KeyPath),
			KnownHostsPath:              strings.TrimSpace(fw.SSH.KnownHosts),
			InsecureSkipHostKeyChecking: fw.SSH.Insecure,
		}
		if strings.TrimSpace(fw.SSH.Timeout) != "" {
			d, err := parseDuration("ssh.timeout", fw.SSH.Timeout)
			if err != nil {
				return WorkerConfig{}, err
			}
			target.Timeout = d
		}
		if env := strings.TrimSpace(fw.SSH.PassphraseEnv); env != "" {
			passphrase, ok := os.LookupEnv(env)
			if !ok || passphrase == "" {
				return WorkerConfig{}, fmt.Errorf("ssh passphrase_env %s is not set", env)
			}
			target.Passphrase = []byte(passphrase)
		}
		wc.SSH = target
	}
	return wc, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("config missing name")
	}
	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Addr) == "" {
		return fmt.Errorf("admin enabled without addr")
	}
	if cfg.Defaults.PrivilegedMultiplier < 0 {
		return fmt.Errorf("defaults: privileged_multiplier must not be negative")
	}
	if cfg.Defaults.Timeout < 0 || cfg.Defaults.CrashWindow < 0 {
		return fmt.Errorf("defaults: durations must not be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Workers))
	for i, wc := range cfg.Workers {
		if err := ValidateWorker(wc); err != nil {
			return fmt.Errorf("workers[%d] invalid: %w", i, err)
		}
		if _, dup := seen[wc.Name]; dup {
			return fmt.Errorf("workers[%d] invalid: duplicate name %q", i, wc.Name)
		}
		seen[wc.Name] = struct{}{}
	}
	return nil
}

func ValidateWorker(wc WorkerConfig) error {
	if wc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(wc.Name, "/") {
		return fmt.Errorf("name %q must not contain '/'", wc.Name)
	}
	if wc.Path == "" {
		return fmt.Errorf("path is required")
	}
	if wc.SSH != nil {
		if wc.SSH.Host == "" {
			return fmt.Errorf("ssh host is required")
		}
		if wc.SSH.User == "" {
			return fmt.Errorf("ssh user is required")
		}
	}
	return nil
}

// Spec turns a worker entry into a node registration using defaults for
// everything the entry does not override.
func (wc WorkerConfig) Spec(defaults worker.Options) node.WorkerSpec {
	opts := defaults
	if wc.Timeout > 0 {
		opts.Timeout = wc.Timeout
	}
	return node.WorkerSpec{
		Name: wc.Name,
		Entry: transport.Entry{
			Path:   wc.Path,
			Args:   wc.Args,
			Env:    wc.Env,
			Dir:    wc.Dir,
			Remote: wc.SSH,
		},
		Data:    wc.Init,
		Options: &opts,
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
