// Package config loads trampoline settings from a YAML file with
// TRAMPOLINE_* environment overrides.
package config

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v8"
	"github.com/docker/go-units"
	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/ffi"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix       = "TRAMPOLINE_"
	DefaultFilename = "trampoline.yaml"
)

type Config struct {
	// ArenaMode selects executable pages, heap blocks or auto detection.
	ArenaMode arena.Mode `yaml:"arenaMode" env:"ARENA_MODE"`
	// PageSize is the mapping granularity of the arena. Zero uses the
	// system page size.
	PageSize Size `yaml:"pageSize,omitempty" env:"PAGE_SIZE"`

	Binder      ffi.BinderKind `yaml:"binder" env:"BINDER"`
	LibFFIPaths []string       `yaml:"libffiPaths,omitempty" env:"LIBFFI_PATHS" envSeparator:":"`

	MaxArgs int `yaml:"maxArgs" env:"MAX_ARGS"`

	// ByteOrder of argument and return slots: native, big or little.
	// Only the emulated binder honours a non-native order.
	ByteOrder string `yaml:"byteOrder" env:"BYTE_ORDER"`

	DiagFile   string `yaml:"diagFile,omitempty" env:"DIAG_FILE"`
	TimingFile string `yaml:"timingFile,omitempty" env:"TIMING_FILE"`
	LogLevel   string `yaml:"logLevel" env:"LOG_LEVEL"`
}

func (c *Config) normalize() {
	if c.ArenaMode == "" {
		c.ArenaMode = arena.ModeAuto
	}
	if c.Binder == "" {
		c.Binder = ffi.BinderAuto
	}
	if c.MaxArgs <= 0 {
		c.MaxArgs = ffi.DefaultMaxArgs
	}
	c.ByteOrder = strings.ToLower(c.ByteOrder)
	if c.ByteOrder == "" {
		c.ByteOrder = "native"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.ArenaMode {
	case arena.ModeAuto, arena.ModeExec, arena.ModeHeap:
	default:
		return fmt.Errorf("config: unknown arena mode %q", c.ArenaMode)
	}
	switch c.Binder {
	case ffi.BinderAuto, ffi.BinderLibFFI, ffi.BinderEmulated:
	default:
		return fmt.Errorf("config: unknown binder %q", c.Binder)
	}
	if c.ArenaMode == arena.ModeHeap && c.Binder == ffi.BinderLibFFI {
		return fmt.Errorf("config: libffi binder needs the exec arena")
	}
	if c.PageSize < 0 || (c.PageSize > 0 && c.PageSize&(c.PageSize-1) != 0) {
		return fmt.Errorf("config: page size %s is not a power of two", c.PageSize)
	}
	if _, err := c.Order(); err != nil {
		return err
	}
	if c.ByteOrder != "native" && c.Binder == ffi.BinderLibFFI {
		return fmt.Errorf("config: libffi binder only supports native byte order")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Order returns the slot byte order, nil for native.
func (c Config) Order() (binary.ByteOrder, error) {
	switch c.ByteOrder {
	case "native", "":
		return nil, nil
	case "big":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("config: unknown byte order %q", c.ByteOrder)
	}
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}

// Load reads path, if non-empty, and applies environment overrides from
// the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil environ uses the
// process environment.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Decode(bytes.NewReader(data), &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Decode reads YAML into c. Unknown keys are errors.
func Decode(r io.Reader, c *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Write encodes c as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}

// Size is a byte count written in human form ("4KiB", "16k").
type Size int64

func ParseSize(s string) (Size, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: size %q: %w", s, err)
	}
	return Size(n), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	return s.UnmarshalText([]byte(n.Value))
}

func (s Size) MarshalYAML() (any, error) {
	if s == 0 {
		return nil, nil
	}
	return s.String(), nil
}
