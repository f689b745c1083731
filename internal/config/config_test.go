package config

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/ffi"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.ArenaMode != arena.ModeAuto || c.Binder != ffi.BinderAuto {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.MaxArgs != ffi.DefaultMaxArgs {
		t.Fatalf("MaxArgs=%d, want %d", c.MaxArgs, ffi.DefaultMaxArgs)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if o, err := c.Order(); err != nil || o != nil {
		t.Fatalf("Order=(%v, %v), want native", o, err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	data := `arenaMode: heap
pageSize: 16KiB
binder: emulated
maxArgs: 8
byteOrder: BIG
logLevel: debug
diagFile: /tmp/diag.bin
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c, err := LoadWithEnv(path, map[string]string{})
	if err != nil {
		t.Fatalf("LoadWithEnv failed: %v", err)
	}
	if c.ArenaMode != arena.ModeHeap || c.Binder != ffi.BinderEmulated || c.MaxArgs != 8 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.PageSize != 16*1024 {
		t.Fatalf("PageSize=%d, want 16384", c.PageSize)
	}
	if o, _ := c.Order(); o != binary.BigEndian {
		t.Fatalf("Order=%v, want big endian", o)
	}
	if l, _ := c.Level(); l != slog.LevelDebug {
		t.Fatalf("Level=%v, want debug", l)
	}
	if c.DiagFile != "/tmp/diag.bin" {
		t.Fatalf("DiagFile=%q", c.DiagFile)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	if err := os.WriteFile(path, []byte("binder: emulated\nmaxArgs: 4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c, err := LoadWithEnv(path, map[string]string{
		"TRAMPOLINE_MAX_ARGS":     "16",
		"TRAMPOLINE_ARENA_MODE":   "exec",
		"TRAMPOLINE_LIBFFI_PATHS": "/opt/lib/libffi.so.8:/usr/lib/libffi.so",
		"TRAMPOLINE_PAGE_SIZE":    "64k",
		"UNRELATED_MAX_ARGS":      "99",
	})
	if err != nil {
		t.Fatalf("LoadWithEnv failed: %v", err)
	}
	if c.MaxArgs != 16 {
		t.Fatalf("MaxArgs=%d, want the environment value 16", c.MaxArgs)
	}
	if c.Binder != ffi.BinderEmulated {
		t.Fatalf("Binder=%q, want the file value", c.Binder)
	}
	if c.ArenaMode != arena.ModeExec {
		t.Fatalf("ArenaMode=%q, want exec", c.ArenaMode)
	}
	if len(c.LibFFIPaths) != 2 || c.LibFFIPaths[0] != "/opt/lib/libffi.so.8" {
		t.Fatalf("LibFFIPaths=%v", c.LibFFIPaths)
	}
	if c.PageSize != 64*1024 {
		t.Fatalf("PageSize=%d, want 65536", c.PageSize)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(*Config)
	}{
		{"arena mode", func(c *Config) { c.ArenaMode = "gpu" }},
		{"binder", func(c *Config) { c.Binder = "jit" }},
		{"heap with libffi", func(c *Config) { c.ArenaMode = arena.ModeHeap; c.Binder = ffi.BinderLibFFI }},
		{"page size", func(c *Config) { c.PageSize = 3000 }},
		{"byte order", func(c *Config) { c.ByteOrder = "middle" }},
		{"libffi big endian", func(c *Config) { c.Binder = ffi.BinderLibFFI; c.ByteOrder = "big" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
	} {
		c := Default()
		tc.edit(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error for %+v", tc.name, c)
		}
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	var c Config
	if err := Decode(strings.NewReader("arenaMode: heap\nturbo: true\n"), &c); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	c := Default()
	c.PageSize = 4096
	c.Binder = ffi.BinderEmulated

	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.Contains(buf.String(), "pageSize: 4KiB") {
		t.Fatalf("page size not written in human form:\n%s", buf.String())
	}

	var back Config
	if err := Decode(&buf, &back); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	back.normalize()
	if back.PageSize != c.PageSize || back.Binder != c.Binder || back.MaxArgs != c.MaxArgs {
		t.Fatalf("round trip changed config: %+v != %+v", back, c)
	}
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]Size{
		"":      0,
		"4096":  4096,
		"4k":    4096,
		"16KiB": 16384,
		"1m":    1 << 20,
	} {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSize(%q)=%d, want %d", in, got, want)
		}
	}
	if _, err := ParseSize("lots"); err == nil {
		t.Fatalf("expected error for a non-size")
	}
}
