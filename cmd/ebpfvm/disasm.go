package main

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/ebpfvm/vm/jit"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/spf13/cobra"
)

func newDisasmCmd(g *globalFlags) *cobra.Command {
	var x86 bool
	cmd := &cobra.Command{
		Use:   "disasm <program>",
		Short: "Print the verified bytecode, or the generated x86-64 with --x86",
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
			p := exe.Program()
			out := cmd.OutOrStdout()
			if !x86 {
				fmt.Fprint(out, listing(p))
				return nil
			}
			// Generate only emits bytes; nothing is mapped executable here.
			code, err := jit.Generate(p, exe.Config())
			if err != nil {
				return err
			}
			fmt.Fprint(out, code.Disassemble())
			return nil
		},
	}
	cmd.Flags().BoolVar(&x86, "x86", false, "disassemble the JIT output instead of the bytecode")
	return cmd
}

// listing is the bytecode disassembly with function labels inserted.
func listing(p *program.Program) string {
	labels := make(map[int]string)
	for _, fn := range p.FunctionList() {
		name := fn.Name
		if name == "" {
			name = fmt.Sprintf("function_%d", fn.PC)
		}
		labels[fn.PC] = name
	}
	if _, ok := labels[p.Entry]; !ok {
		labels[p.Entry] = "entrypoint"
	}
	var sb strings.Builder
	for pc := 0; pc < len(p.Insns); pc++ {
		if p.IsSecondSlot(pc) {
			continue
		}
		if name, ok := labels[pc]; ok {
			sb.WriteString(name + ":\n")
		}
		fmt.Fprintf(&sb, "%5d: %s\n", pc, p.Insns[pc])
	}
	return sb.String()
}
