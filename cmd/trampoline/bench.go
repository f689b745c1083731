package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tinyrange/trampoline"
	"github.com/tinyrange/trampoline/internal/ffitype"
	"golang.org/x/term"
)

var benchOpts struct {
	calls      int
	goroutines int
	timing     string
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure dispatch through a registered trampoline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if benchOpts.timing != "" {
			cfg.TimingFile = benchOpts.timing
		}
		if benchOpts.calls <= 0 || benchOpts.goroutines <= 0 {
			return fmt.Errorf("calls and goroutines must be positive")
		}
		return runBench(cmd, cfg)
	},
}

func init() {
	benchCmd.Flags().IntVarP(&benchOpts.calls, "calls", "n", 100000, "dispatches per goroutine")
	benchCmd.Flags().IntVarP(&benchOpts.goroutines, "goroutines", "g", 1, "concurrent callers")
	benchCmd.Flags().StringVar(&benchOpts.timing, "timing", "", "write per-phase timings to this file")
}

type benchTarget struct {
	calls atomic.Int64
}

func (b *benchTarget) Callback(x, y int32) int32 {
	b.calls.Add(1)
	return x + y
}

func runBench(cmd *cobra.Command, cfg trampoline.Config) error {
	s, err := trampoline.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	target := &benchTarget{}
	fn, err := trampoline.FunctionPointer(context.Background(), s, target, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		return err
	}
	f, err := s.Resolve(fn, "(II)I")
	if err != nil {
		return err
	}

	total := benchOpts.calls * benchOpts.goroutines
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.Default(int64(total), "dispatch")
		defer bar.Close()
	}

	const step = 1024
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	start := time.Now()
	for g := range benchOpts.goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range benchOpts.calls {
				r, err := f.Call(ffitype.RawInt(int64(g)), ffitype.RawInt(int64(i)))
				if err == nil && r.Int() != int64(int32(g+i)) {
					err = fmt.Errorf("dispatch returned %d, want %d", r.Int(), int32(g+i))
				}
				if err != nil {
					mu.Lock()
					firstErr = err
					mu.Unlock()
					return
				}
				if bar != nil && (i+1)%step == 0 {
					bar.Add(step)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	runtime.KeepAlive(target)
	if firstErr != nil {
		return firstErr
	}
	if bar != nil {
		bar.Finish()
	}

	st := s.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "binder:      %s\n", s.BinderName())
	fmt.Fprintf(out, "dispatches:  %d in %s (%s/call)\n",
		target.calls.Load(), elapsed.Round(time.Microsecond), elapsed/time.Duration(max(total, 1)))
	fmt.Fprintf(out, "attaches:    %d (detaches %d)\n", st.Host.Attaches, st.Host.Detaches)
	fmt.Fprintf(out, "arena:       %d pages, %s mapped, %d blocks in use\n",
		st.Arena.Pages, units.BytesSize(float64(st.Arena.Mapped)), st.Arena.InUse)
	for kind, n := range st.Events {
		if n > 0 {
			fmt.Fprintf(out, "event:       %s=%d\n", kind, n)
		}
	}
	return nil
}
