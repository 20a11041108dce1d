package lua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/console"
)

// ErrStopped is returned when a script calls stop().
var ErrStopped = errors.New("workflow stopped")

// PhaseRunner runs phase subcommands for one run. *pipeline.Pipeline
// implements it.
type PhaseRunner interface {
	Phase(ctx context.Context, name string, extra ...string) (int, error)
	RunID() string
	LastRun() []byte
}

var phases = map[string]bool{
	"plan": true, "build": true, "test": true, "review": true, "document": true, "classify": true,
}

// phaseOptions maps the keys phase() accepts to the flag they become.
var phaseOptions = map[string]string{
	"model":          "--model",
	"cli":            "--cli",
	"timeout":        "--timeout",
	"retries":        "--retries",
	"fix_budget":     "--fix-budget",
	"blocker_budget": "--blocker-budget",
	"force":          "--force",
	"type":           "--type",
}

// Runtime executes Lua workflow scripts in a sandboxed environment
type Runtime struct {
	phases  PhaseRunner
	console *console.Console
	log     *slog.Logger
	ctx     context.Context
	logs    []string

	// stopReason is set when stop() is called
	stopReason string
	stopped    bool
}

// NewRuntime creates a new Lua runtime driving phases
func NewRuntime(phases PhaseRunner, con *console.Console, log *slog.Logger) *Runtime {
	if con == nil {
		con = console.Discard()
	}
	return &Runtime{
		phases:  phases,
		console: con,
		log:     log,
		logs:    make([]string, 0),
	}
}

// Execute runs workflow(prompt) from the script and returns the exit code:
// the number workflow returns, 1 after stop(), otherwise 0.
func (r *Runtime) Execute(ctx context.Context, scriptPath, prompt string) (int, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return apperr.ExitUnknown, apperr.UserInput("read script", err, "usage: adw pipeline --script flow.lua \"<prompt>\"")
	}
	r.ctx = ctx

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return apperr.ExitUnknown, apperr.UserInput("load script", err, "check the Lua syntax of "+scriptPath)
	}

	workflow := L.GetGlobal("workflow")
	if workflow.Type() != lua.LTFunction {
		return apperr.ExitUnknown, apperr.UserInput("load script", errors.New("script must define a 'workflow' function"), "")
	}

	L.Push(workflow)
	L.Push(lua.LString(prompt))
	if err := L.PCall(1, 1, nil); err != nil {
		if r.stopped {
			return apperr.ExitFailure, fmt.Errorf("%w: %s", ErrStopped, r.stopReason)
		}
		if ctx.Err() != nil {
			return apperr.ExitCancelled, apperr.Cancelled("workflow")
		}
		return apperr.ExitFailure, fmt.Errorf("workflow execution failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if n, ok := ret.(lua.LNumber); ok {
		return int(n), nil
	}
	return 0, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	// Base library (pairs, ipairs, type, tostring, tonumber, error, etc.)
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	mathLib := L.GetGlobal("math")
	if tbl, ok := mathLib.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// registerAPI registers the adw-specific API functions
func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("phase", L.NewFunction(r.luaPhase))
	L.SetGlobal("stop", L.NewFunction(r.luaStop))
	L.SetGlobal("run_id", L.NewFunction(r.luaRunID))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaPhase implements the phase(name, opts?) API. It returns a table with
// exit_code, ok, run_id and, when the phase printed it, the run record.
func (r *Runtime) luaPhase(L *lua.LState) int {
	name := L.CheckString(1)
	opts := L.OptTable(2, nil)
	if !phases[name] {
		L.ArgError(1, "unknown phase "+strconv.Quote(name))
		return 0
	}
	extra, err := optionArgs(opts)
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}

	r.console.Info("script → %s", name)
	code, err := r.phases.Phase(r.ctx, name, extra...)
	if err != nil {
		L.RaiseError("phase %s: %v", name, err)
		return 0
	}
	if code == apperr.ExitCancelled || r.ctx.Err() != nil {
		L.RaiseError("phase %s cancelled", name)
		return 0
	}

	tbl := L.NewTable()
	L.SetField(tbl, "exit_code", lua.LNumber(code))
	L.SetField(tbl, "ok", lua.LBool(code == 0))
	if id := r.phases.RunID(); id != "" {
		L.SetField(tbl, "run_id", lua.LString(id))
	}
	if raw := r.phases.LastRun(); raw != nil {
		var run map[string]any
		if json.Unmarshal(raw, &run) == nil {
			L.SetField(tbl, "run", r.goToLua(L, run))
		}
	}
	L.Push(tbl)
	return 1
}

// optionArgs turns a phase() options table into command-line flags.
func optionArgs(opts *lua.LTable) ([]string, error) {
	if opts == nil {
		return nil, nil
	}
	var args []string
	var bad error
	opts.ForEach(func(k, v lua.LValue) {
		if bad != nil {
			return
		}
		flag, ok := phaseOptions[k.String()]
		if !ok {
			bad = fmt.Errorf("unknown option %q", k.String())
			return
		}
		switch val := v.(type) {
		case lua.LBool:
			if val {
				args = append(args, flag)
			}
		case lua.LNumber:
			f := float64(val)
			if f == math.Trunc(f) {
				args = append(args, flag, strconv.FormatInt(int64(f), 10))
			} else {
				args = append(args, flag, strconv.FormatFloat(f, 'f', -1, 64))
			}
		case lua.LString:
			args = append(args, flag, string(val))
		default:
			bad = fmt.Errorf("option %s: unsupported value %s", k.String(), v.Type())
		}
	})
	if bad != nil {
		return nil, bad
	}
	sortFlagPairs(args)
	return args, nil
}

// sortFlagPairs orders flags by name so the command line does not depend on
// table iteration order.
func sortFlagPairs(args []string) {
	var groups [][]string
	for i := 0; i < len(args); {
		j := i + 1
		for j < len(args) && !strings.HasPrefix(args[j], "--") {
			j++
		}
		groups = append(groups, args[i:j:j])
		i = j
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })
	out := make([]string, 0, len(args))
	for _, g := range groups {
		out = append(out, g...)
	}
	copy(args, out)
}

// goToLua converts a decoded JSON value to a Lua value
func (r *Runtime) goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), r.goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, r.goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaStop implements the stop(reason?) API
func (r *Runtime) luaStop(L *lua.LState) int {
	r.stopReason = L.OptString(1, "stopped by script")
	r.stopped = true
	// Raise an error to stop execution
	L.RaiseError("stop: %s", r.stopReason)
	return 0
}

// luaRunID implements the run_id() API; nil before plan has run
func (r *Runtime) luaRunID(L *lua.LState) int {
	if id := r.phases.RunID(); id != "" {
		L.Push(lua.LString(id))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.console.Info("%s", message)
	r.log.Info("workflow log", "message", message, "run_id", r.phases.RunID())
	return 0
}

// GetLogs returns the logs collected during execution
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// IsScript checks if a file is a Lua workflow
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
