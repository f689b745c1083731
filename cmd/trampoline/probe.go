package main

import (
	"fmt"
	"runtime"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/tinyrange/trampoline"
	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/ffi"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report executable memory, libffi and binder availability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "platform:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "record size:  %s (%d arguments)\n",
			units.BytesSize(float64(ffi.RecordSize(cfg.MaxArgs))), cfg.MaxArgs)

		if !arena.ExecSupported() {
			fmt.Fprintf(out, "exec arena:   unsupported\n")
		} else if err := probeExec(cfg.MaxArgs, int(cfg.PageSize)); err != nil {
			fmt.Fprintf(out, "exec arena:   failed: %v\n", err)
		} else {
			fmt.Fprintf(out, "exec arena:   ok\n")
		}

		if lib, err := ffi.OpenLibFFI(cfg.LibFFIPaths); err != nil {
			fmt.Fprintf(out, "libffi:       unavailable: %v\n", err)
		} else {
			fmt.Fprintf(out, "libffi:       loaded (%s)\n", lib.Name())
		}

		s, err := trampoline.New(cfg)
		if err != nil {
			fmt.Fprintf(out, "binder:       %s rejected: %v\n", cfg.Binder, err)
			return nil
		}
		defer s.Close()
		fmt.Fprintf(out, "binder:       %s (executable=%v)\n", s.BinderName(), s.Executable())
		return nil
	},
}

// probeExec maps one page and round-trips a block through it.
func probeExec(maxArgs, pageSize int) error {
	a, err := arena.New(arena.Options{BlockSize: ffi.RecordSize(maxArgs), PageSize: pageSize})
	if err != nil {
		return err
	}
	b, err := a.Acquire()
	if err != nil {
		return err
	}
	a.Release(b)
	return nil
}
