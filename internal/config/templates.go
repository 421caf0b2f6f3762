package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/danmuck/taskman/internal/worker"
)

const templateHeader = "# taskman tree configuration\n# durations use Go syntax (500ms, 5s, 1m)\n\n"

// Template renders a starter config. kind is "tree" (a relay with a
// string generator below it) or "minimal" (no workers).
func Template(kind string) (string, error) {
	var doc fileConfig
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "tree":
		doc = baseTemplate()
		autostart := true
		doc.Workers = []fileWorker{
			{
				Name:      "relay",
				Path:      "./bin/relay",
				Timeout:   "10s",
				Autostart: &autostart,
				Init:      map[string]any{"greeting": "hello"},
			},
		}
	case "minimal":
		doc = baseTemplate()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	b, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return templateHeader + string(b), nil
}

func baseTemplate() fileConfig {
	d := worker.DefaultOptions()
	def := Default()
	return fileConfig{
		Name: def.Name,
		Defaults: fileDefaults{
			Timeout:                d.Timeout.String(),
			PrivilegedMultiplier:   d.PrivilegedMultiplier,
			CrashRestartDelay:      d.CrashBackoff.InitialDelay.String(),
			CrashBackoffMultiplier: d.CrashBackoff.Multiplier,
			CrashMaxDelay:          d.CrashBackoff.MaxDelay.String(),
			CrashJitter:            d.CrashBackoff.Jitter,
			MaxCrashRestarts:       d.MaxCrashRestarts,
			CrashWindow:            d.CrashWindow.String(),
			KeepPendingOnExit:      d.KeepPendingOnExit,
		},
		Admin: fileAdmin{
			Enabled:     def.Admin.Enabled,
			Addr:        def.Admin.Addr,
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
