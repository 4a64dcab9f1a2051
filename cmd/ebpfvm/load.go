package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/colorfulnotion/ebpfvm/log"
	"github.com/colorfulnotion/ebpfvm/vm"
	"github.com/colorfulnotion/ebpfvm/vm/machine"
	"github.com/colorfulnotion/ebpfvm/vm/memory"
	"github.com/colorfulnotion/ebpfvm/vm/program"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// loadExecutable picks the construction path from the file: ELF objects by
// magic, assembly by extension, anything else as raw bytecode.
func loadExecutable(path string, cfg program.Config, syscalls *machine.SyscallRegistry) (*vm.Executable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case bytes.HasPrefix(data, elfMagic):
		log.Debug(log.CLIMonitoring, "loading elf", "path", path, "bytes", len(data))
		return vm.FromELF(data, cfg, syscalls, nil)
	case ext == ".s" || ext == ".asm":
		log.Debug(log.CLIMonitoring, "assembling", "path", path)
		return vm.FromAsm(string(data), cfg, syscalls)
	default:
		log.Debug(log.CLIMonitoring, "loading raw text", "path", path, "bytes", len(data))
		return vm.FromText(data, cfg, syscalls)
	}
}

// parseInput accepts hex ("0x" optional), @file, or empty.
func parseInput(s string) ([]byte, error) {
	switch {
	case s == "":
		return nil, nil
	case strings.HasPrefix(s, "@"):
		return os.ReadFile(s[1:])
	default:
		if !strings.HasPrefix(s, "0x") {
			s = "0x" + s
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		return b, nil
	}
}

// defaultSyscalls are the host functions the CLI offers to programs.
func defaultSyscalls() *machine.SyscallRegistry {
	reg := machine.NewSyscallRegistry()
	mustRegister := func(name string, fn machine.HostFunction) {
		if _, err := reg.Register(name, fn); err != nil {
			panic(err)
		}
	}
	mustRegister("log", func(regs machine.Registers, mem *memory.MemoryMapping) (uint64, error) {
		msg, err := mem.ReadBytes(regs[1], regs[2])
		if err != nil {
			return 0, err
		}
		log.Info(log.CLIMonitoring, "program log", "msg", string(msg))
		return 0, nil
	})
	mustRegister("log_64", func(regs machine.Registers, _ *memory.MemoryMapping) (uint64, error) {
		log.Info(log.CLIMonitoring, "program log",
			"r1", fmt.Sprintf("0x%x", regs[1]), "r2", fmt.Sprintf("0x%x", regs[2]), "r3", fmt.Sprintf("0x%x", regs[3]),
			"r4", fmt.Sprintf("0x%x", regs[4]), "r5", fmt.Sprintf("0x%x", regs[5]))
		return 0, nil
	})
	mustRegister("memcpy", func(regs machine.Registers, mem *memory.MemoryMapping) (uint64, error) {
		src, err := mem.ReadBytes(regs[2], regs[3])
		if err != nil {
			return 0, err
		}
		return 0, mem.WriteBytes(regs[1], src)
	})
	return reg
}
