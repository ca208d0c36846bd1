package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Module tags carried as the first argument of every log call. Debug/Trace
// output is filtered per module; Info and above always pass through.
const (
	AllocModule     = "alloc_mod"  // shard allocation
	PlannerModule   = "plan_mod"   // capacity planning
	RegistryModule  = "reg_mod"    // shard registry
	ChallengeModule = "chal_mod"   // challenge processing
	KeepAliveModule = "keep_mod"   // keep-alive touching
	SessionModule   = "sess_mod"   // coordinator session
	NodeModule      = "node_mod"   // node lifecycle
	StoreModule     = "store_mod"  // local persistence
	WalletModule    = "wallet_mod" // identity and signing
	TelemetryModule = "tel_mod"    // telemetry reporting
)

var root atomic.Value

func init() {
	root.Store(&logger{slog.New(DiscardHandler())})
	DisableModule(KeepAliveModule)
	DisableModule(RegistryModule)
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

// InitJSONLogger routes records through the JSON handler instead of the
// terminal one, for log-collector deployments.
func InitJSONLogger(logLevel string, wr io.Writer) {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(JSONHandlerWithLevel(wr, logLvl)))
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

func initModules(moduleList []string, enabled []string) map[string]bool {
	moduleMap := make(map[string]bool, len(moduleList))
	for _, module := range moduleList {
		moduleMap[module] = false
	}
	for _, module := range enabled {
		moduleMap[module] = true
	}
	return moduleMap
}

var defaultKnownModules = []string{
	AllocModule, PlannerModule, RegistryModule, ChallengeModule,
	KeepAliveModule, SessionModule, NodeModule, StoreModule,
	WalletModule, TelemetryModule,
}
var defaultModuleEnabled = []string{
	AllocModule, PlannerModule, ChallengeModule, SessionModule, NodeModule,
}

// moduleEnabled keeps track of whether a module's Debug/Trace logging is enabled.
var moduleEnabled = initModules(defaultKnownModules, defaultModuleEnabled)

// EnableModule enables Debug/Trace logging for the specified module.
func EnableModule(module string) {
	moduleEnabled[module] = true
}

// EnableModules enables a comma-separated list of modules, or all known
// modules when given "all".
func EnableModules(modules string) {
	if strings.TrimSpace(modules) == "all" {
		for _, m := range defaultKnownModules {
			moduleEnabled[m] = true
		}
		return
	}
	for _, m := range strings.Split(modules, ",") {
		if m = strings.TrimSpace(m); m != "" {
			moduleEnabled[m] = true
		}
	}
}

// DisableModule disables Debug/Trace logging for the specified module.
func DisableModule(module string) {
	moduleEnabled[module] = false
}

// isModuleEnabled checks if logging is enabled for the given module.
func isModuleEnabled(module string) bool {
	enabled, ok := moduleEnabled[module]
	return ok && enabled
}

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	newCtx := append([]interface{}{"module", module}, ctx...)
	Root().Write(LevelTrace, module, msg, newCtx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// The rest of the logging functions (Info, Warn, Error, Crit) don't filter on module
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
