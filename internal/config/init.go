package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const fileHeader = `# docsync configuration.
#
# Every setting can be overridden with an environment variable named after
# its key: replication.max_connections -> DOCSYNC_REPLICATION_MAX_CONNECTIONS.

`

// ErrExists is returned by WriteFile when the file exists and force is off.
var ErrExists = errors.New("config file already exists")

// Encode writes c as a TOML document.
func Encode(w io.Writer, c *Config) error {
	tree := map[string]any{}
	for key, value := range Map(c) {
		parts := strings.Split(key, ".")
		node := tree
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	if _, err := io.WriteString(w, fileHeader); err != nil {
		return err
	}
	if err := toml.NewEncoder(w).Encode(tree); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteFile writes c to path as TOML. An existing file is only replaced
// when force is set.
func WriteFile(path string, c *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
