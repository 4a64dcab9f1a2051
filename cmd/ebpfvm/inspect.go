package main

import (
	"fmt"

	"github.com/colorfulnotion/ebpfvm/vm"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

func newInspectCmd(g *globalFlags) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "inspect <program>",
		Short: "Show configuration, functions, syscalls and the memory layout as a tree",
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
			fmt.Fprint(cmd.OutOrStdout(), inspectTree(args[0], machineVM).String())
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "input buffer as hex or @file, sizes the input region")
	return cmd
}

func inspectTree(name string, machineVM *vm.VM) treeprint.Tree {
	exe := machineVM.Executable()
	p := exe.Program()
	cfg := exe.Config()

	tree := treeprint.New()
	tree.SetValue(name)

	c := tree.AddBranch("config")
	c.AddNode(fmt.Sprintf("max_call_depth: %d", cfg.MaxCallDepth))
	c.AddNode(fmt.Sprintf("stack_frame_size: %d", cfg.StackFrameSize))
	c.AddNode(fmt.Sprintf("heap_size: %d", cfg.HeapSize))
	c.AddNode(fmt.Sprintf("enable_callx: %v", cfg.EnableCallx))
	c.AddNode(fmt.Sprintf("enable_byte_swap: %v", cfg.EnableByteSwap))
	c.AddNode(fmt.Sprintf("reject_legacy_loads: %v", cfg.RejectLegacyLoads))
	c.AddNode(fmt.Sprintf("enable_stack_offset_check: %v", cfg.EnableStackOffsetCheck))
	c.AddNode(fmt.Sprintf("sanitize_user_provided_values: %v", cfg.SanitizeUserProvidedValues))

	t := tree.AddBranch("text")
	t.AddNode(fmt.Sprintf("address: 0x%x", p.TextAddr()))
	t.AddNode(fmt.Sprintf("slots: %d (%d bytes)", p.Len(), len(p.Text)))
	t.AddNode(fmt.Sprintf("entry: pc %d", p.Entry))
	t.AddNode(fmt.Sprintf("hash: 0x%x", p.CodeHash()))
	if ro := len(p.Image) - len(p.Text); ro > 0 {
		t.AddNode(fmt.Sprintf("read-only data: %d bytes", ro))
	}

	fns := tree.AddBranch(fmt.Sprintf("functions (%d)", len(p.Functions)))
	for _, fn := range p.FunctionList() {
		fns.AddNode(fmt.Sprintf("0x%08x pc=%-5d %s", fn.Key, fn.PC, fn.Name))
	}

	sys := tree.AddBranch(fmt.Sprintf("syscalls (%d)", exe.Syscalls().Len()))
	for _, s := range exe.Syscalls().List() {
		sys.AddNode(fmt.Sprintf("0x%08x %s", s.Key, s.Name))
	}

	regions := tree.AddBranch("regions")
	for _, r := range machineVM.Mapping().Regions() {
		regions.AddNode(fmt.Sprintf("%-8s 0x%09x..0x%09x %s (%d bytes)", r.Name, r.VMAddr, r.End(), r.Perm, r.Len()))
	}

	if jitErr := exe.JitCompile(); jitErr != nil {
		tree.AddNode(fmt.Sprintf("jit: %v", jitErr))
	} else {
		code := exe.JitCode()
		j := tree.AddBranch("jit")
		j.AddNode(fmt.Sprintf("code: %d bytes (body %d)", len(code.Text), code.BodyEnd))
		j.AddNode(fmt.Sprintf("bytes/slot: %.1f", float64(code.BodyEnd)/float64(max(p.Len(), 1))))
	}
	return tree
}
