package config

import (
	"io"

	"github.com/BurntSushi/toml"
)

// Dump writes cfg as TOML, the format httpconnd documents its file in.
func Dump(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}
