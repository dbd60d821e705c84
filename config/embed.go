package config

import (
	_ "embed"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

//go:embed embed/config.toml
var defaultConfigTOML []byte

// MaterializeEmbedded writes the embedded default config to dir/config.toml
// if no file exists there yet (teacher: initEmbed). Used on first run so an
// operator gets an editable starting point instead of an opaque built-in.
func MaterializeEmbedded(dir string) error {
	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, defaultConfigTOML, 0o644); err != nil {
		return err
	}
	log.Infof("config: materialized embedded default config to %s", path)
	return nil
}
