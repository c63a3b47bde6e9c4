package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const header = `# gymctl configuration
# Durations use Go syntax ("250ms", "3s"). In worker.args, {addr}, {host},
# {port} and {config} are expanded when the session launches its worker.

`

// Render encodes cfg as TOML.
func Render(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTemplate writes the default configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	data, err := Render(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
