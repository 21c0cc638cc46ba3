package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// EnvPrefix prefixes environment overrides, e.g. DISPATCH_API_LISTENADDRESS.
const EnvPrefix = "DISPATCH"

// FromFile loads config from path on top of def. A missing file yields def.
// Environment overrides are applied last.
func FromFile[T any](path string, def *T) (*T, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		if def == nil {
			return nil, xerrors.Errorf("couldn't load config: %w", err)
		}
		return applyEnv(def)
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file, def)
}

// FromReader decodes TOML from reader on top of def.
func FromReader[T any](reader io.Reader, def *T) (*T, error) {
	cfg := def
	if cfg == nil {
		cfg = new(T)
	}

	if _, err := toml.NewDecoder(reader).Decode(cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}

	return applyEnv(cfg)
}

func applyEnv[T any](cfg *T) (*T, error) {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, xerrors.Errorf("processing env config: %w", err)
	}
	return cfg, nil
}

// ConfigComment renders cfg as TOML, for `config default` style output.
func ConfigComment[T any](cfg *T) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
