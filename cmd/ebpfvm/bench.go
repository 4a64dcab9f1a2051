package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"github.com/fatih/color"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

// benchResult is one workload timed on both backends. JIT is zero when no
// native backend is available.
type benchResult struct {
	Name         string
	Instructions uint64
	Interpreter  time.Duration
	JIT          time.Duration
}

func (r benchResult) speedup() float64 {
	if r.JIT == 0 {
		return 0
	}
	return float64(r.Interpreter) / float64(r.JIT)
}

func newBenchCmd(g *globalFlags) *cobra.Command {
	var (
		iterations int
		chartPath  string
		meter      uint64
	)
	cmd := &cobra.Command{
		Use:   "bench [program...]",
		Short: "Time the interpreter against the JIT on the built-in workloads and any given programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if iterations < 1 {
				return fmt.Errorf("iterations must be positive")
			}

			var (
				results []benchResult
				errs    *multierror.Error
			)
			for _, sc := range vm.Scenarios {
				exe, err := vm.FromAsm(sc.Asm, cfg, nil)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", sc.Name, err))
					continue
				}
				r, err := benchExecutable(sc.Name, exe, make([]byte, sc.InputLen), sc.Meter, iterations)
				exe.Close()
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", sc.Name, err))
					continue
				}
				results = append(results, r)
			}
			for _, path := range args {
				exe, err := loadExecutable(path, cfg, defaultSyscalls())
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				r, err := benchExecutable(filepath.Base(path), exe, nil, meter, iterations)
				exe.Close()
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				results = append(results, r)
			}

			printResults(cmd, results)
			if chartPath != "" && len(results) > 0 {
				if err := writeChart(chartPath, results); err != nil {
					errs = multierror.Append(errs, err)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "chart written to %s\n", chartPath)
				}
			}
			return errs.ErrorOrNil()
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 5, "runs per backend, the fastest is reported")
	cmd.Flags().StringVar(&chartPath, "chart", "", "write an HTML bar chart of the timings")
	cmd.Flags().Uint64Var(&meter, "meter", 10_000_000, "instruction budget for programs given on the command line")
	return cmd
}

func benchExecutable(name string, exe *vm.Executable, input []byte, meter uint64, iterations int) (benchResult, error) {
	res := benchResult{Name: name}
	machineVM, err := vm.New(exe, input)
	if err != nil {
		return res, err
	}

	interp, count, err := fastest(iterations, meter, machineVM.ExecuteInterpreted, machineVM)
	if err != nil {
		return res, fmt.Errorf("interpreter: %w", err)
	}
	res.Interpreter, res.Instructions = interp, count

	if err := exe.JitCompile(); errors.Is(err, vmerrors.ErrJitNotSupported) {
		log.Warn(log.CLIMonitoring, "jit unavailable, timing the interpreter only", "name", name)
		return res, nil
	} else if err != nil {
		return res, fmt.Errorf("jit compile: %w", err)
	}
	jitTime, jitCount, err := fastest(iterations, meter, machineVM.ExecuteJIT, machineVM)
	if err != nil {
		return res, fmt.Errorf("jit: %w", err)
	}
	if jitCount != count {
		return res, fmt.Errorf("instruction count mismatch: interpreter %d, jit %d", count, jitCount)
	}
	res.JIT = jitTime
	return res, nil
}

func fastest(iterations int, meter uint64, run func(machine.InstructionMeter) (uint64, error), machineVM *vm.VM) (time.Duration, uint64, error) {
	best := time.Duration(0)
	for i := 0; i < iterations; i++ {
		start := time.Now()
		_, err := run(machine.NewCountingMeter(meter))
		elapsed := time.Since(start)
		if err != nil {
			return 0, 0, err
		}
		if best == 0 || elapsed < best {
			best = elapsed
		}
	}
	return best, machineVM.LastInstructionCount(), nil
}

func printResults(cmd *cobra.Command, results []benchResult) {
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)
	bold.Fprintf(out, "%-24s %12s %14s %14s %8s\n", "workload", "insns", "interpreter", "jit", "speedup")
	for _, r := range results {
		jit, speedup := "-", "-"
		if r.JIT > 0 {
			jit = r.JIT.String()
			speedup = color.GreenString("%.1fx", r.speedup())
		}
		fmt.Fprintf(out, "%-24s %12d %14s %14s %8s\n", r.Name, r.Instructions, r.Interpreter, jit, speedup)
	}
}

func writeChart(path string, results []benchResult) error {
	names := make([]string, 0, len(results))
	interp := make([]opts.BarData, 0, len(results))
	jit := make([]opts.BarData, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
		interp = append(interp, opts.BarData{Value: nsPerInsn(r.Interpreter, r.Instructions)})
		jit = append(jit, opts.BarData{Value: nsPerInsn(r.JIT, r.Instructions)})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "ebpfvm backends",
			Subtitle: "nanoseconds per instruction",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("interpreter", interp).
		AddSeries("jit", jit)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	page := components.NewPage()
	page.AddCharts(bar)
	return page.Render(f)
}

func nsPerInsn(d time.Duration, n uint64) float64 {
	if n == 0 {
		return 0
	}
	return float64(d.Nanoseconds()) / float64(n)
}
