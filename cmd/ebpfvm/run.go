package main

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vm"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vmerrors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		input    string
		meter    uint64
		useJit   bool
		showRegs bool
	)
	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Execute a program (.so/.o ELF, .s/.asm assembly or raw bytecode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			exe, err := loadExecutable(args[0], cfg, defaultSyscalls())
			if err != nil {
				return err
			}
			defer exe.Close()
			in, err := parseInput(input)
			if err != nil {
				return err
			}
			machineVM, err := vm.New(exe, in)
			if err != nil {
				return err
			}

			m := machine.NewCountingMeter(meter)
			var r0 uint64
			backend := "interpreter"
			if useJit {
				backend = "jit"
				r0, err = machineVM.ExecuteJIT(m)
				if errors.Is(err, vmerrors.ErrJitNotSupported) {
					color.Yellow("jit unavailable, falling back to the interpreter")
					backend = "interpreter"
					r0, err = machineVM.ExecuteInterpreted(m)
				}
			} else {
				r0, err = machineVM.ExecuteInterpreted(m)
			}

			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(out, "%s %s: %v\n", color.RedString("FAULT"), backend, err)
			} else {
				fmt.Fprintf(out, "%s %s: r0=%d (0x%x)\n", color.GreenString("OK"), backend, r0, r0)
			}
			fmt.Fprintf(out, "instructions: %d, meter remaining: %d\n", machineVM.LastInstructionCount(), m.Remaining())
			if showRegs {
				for i, v := range machineVM.Registers() {
					fmt.Fprintf(out, "  r%-2d = 0x%016x\n", i, v)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "input buffer as hex or @file")
	cmd.Flags().Uint64Var(&meter, "meter", 1_000_000, "instruction budget")
	cmd.Flags().BoolVar(&useJit, "jit", false, "execute with the x86-64 JIT")
	cmd.Flags().BoolVar(&showRegs, "regs", false, "print the final register file")
	return cmd
}
