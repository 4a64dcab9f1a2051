package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	VMMonitoring     = "vm_mod"     // VM dispatch and execution results
	JITMonitoring    = "jit_mod"    // JIT compilation and native exits
	LoaderMonitoring = "loader_mod" // ELF loading and relocation
	AsmMonitoring    = "asm_mod"    // Assembler
	VerifyMonitoring = "verify_mod" // Static verification
	CLIMonitoring    = "cli_mod"    // Command line tooling
)

var root atomic.Value

func init() {
	root.Store(&logger{slog.New(DiscardHandler())})
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

func InitLogger(logLevel string) {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, logLvl, true)))
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

func initModules(moduleList []string, moduleEnabled []string) map[string]bool {
	moduleMap := make(map[string]bool, 0)
	for _, module := range moduleList {
		moduleMap[module] = false
	}
	for _, module := range moduleEnabled {
		moduleMap[module] = true
	}
	return moduleMap
}

var defaultKnownModules = []string{VMMonitoring, JITMonitoring, LoaderMonitoring, AsmMonitoring, VerifyMonitoring, CLIMonitoring}
var defaultModuleEnabled = []string{}

// --- Module management ---
// moduleEnabled keeps track of whether a module’s logging is enabled.
var (
	moduleMu      sync.RWMutex
	moduleEnabled = initModules(defaultKnownModules, defaultModuleEnabled)
)

// EnableModule enables logging for the specified module.
func EnableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = true
	moduleMu.Unlock()
}

// DisableModule disables logging for the specified module.
func DisableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = false
	moduleMu.Unlock()
}

// KnownModules lists the module names understood by EnableModule.
func KnownModules() []string {
	return append([]string(nil), defaultKnownModules...)
}

// ModuleEnabled reports whether Trace and Debug output for module is on.
// Callers building costly log arguments on hot paths check it first.
func ModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	enabled, ok := moduleEnabled[module]
	return ok && enabled
}

// --- Adjusted logging functions ---

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !ModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !ModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// The rest of the logging functions (Info, Warn, Error, Crit, New) dont filter on module
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

func New(ctx ...interface{}) Logger {
	return Root().With(ctx...)
}
