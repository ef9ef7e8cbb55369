package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/monitor"
)

// LogEntry is one line of script console output
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// maxConsoleEntries bounds retained console output per program
const maxConsoleEntries = 500

// ScriptProgram runs JavaScript in a dedicated goja VM.
//
// The script's top level runs at mount time with a global "host" object
// exposing the capabilities. If the script defines global mount or unmount
// functions they are called after evaluation and at unmount.
type ScriptProgram struct {
	appID  string
	source string
	logger *zap.Logger

	mu   sync.Mutex
	vm   *goja.Runtime
	caps *Capabilities
	ctx  context.Context

	consoleMu sync.Mutex
	console   []LogEntry
}

// NewScriptProgram creates an unmounted program for source
func NewScriptProgram(appID, source string, logger *zap.Logger) *ScriptProgram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptProgram{
		appID:  appID,
		source: source,
		logger: logger.Named("script").With(zap.String("app_id", appID)),
	}
}

// Mount evaluates the script and calls its mount function
func (p *ScriptProgram) Mount(ctx context.Context, caps *Capabilities) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm := goja.New()
	vm.SetMaxCallStackSize(1024)
	p.vm = vm
	p.caps = caps
	p.setupGlobals()

	if err := p.run(ctx, func() error {
		_, err := vm.RunScript(p.appID+".js", p.source)
		return err
	}); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return p.callHook(ctx, "mount")
}

// Unmount calls the script's unmount function and discards the VM
func (p *ScriptProgram) Unmount(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vm == nil {
		return nil
	}
	err := p.callHook(ctx, "unmount")
	p.vm = nil
	p.caps = nil
	return err
}

// Console returns a copy of the captured console output
func (p *ScriptProgram) Console() []LogEntry {
	p.consoleMu.Lock()
	defer p.consoleMu.Unlock()
	return append([]LogEntry(nil), p.console...)
}

func (p *ScriptProgram) callHook(ctx context.Context, name string) error {
	fn, ok := goja.AssertFunction(p.vm.Get(name))
	if !ok {
		return nil
	}
	return p.run(ctx, func() error {
		_, err := fn(goja.Undefined())
		return err
	})
}

// run executes fn with the VM interrupted when ctx ends
func (p *ScriptProgram) run(ctx context.Context, fn func() error) error {
	p.ctx = ctx
	vm := p.vm
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("execution interrupted: " + ctx.Err().Error())
		case <-done:
		}
	}()

	err := fn()
	if _, interrupted := err.(*goja.InterruptedError); interrupted {
		vm.ClearInterrupt()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// setupGlobals removes module access and installs console and host
func (p *ScriptProgram) setupGlobals() {
	vm := p.vm
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	// Timers would outlive the mount call
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	vm.Set("setTimeout", noop)
	vm.Set("setInterval", noop)

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		console.Set(level, p.consoleFunc(level))
	}
	vm.Set("console", console)

	host := vm.NewObject()
	host.Set("appId", p.appID)
	host.Set("props", p.caps.Props())
	host.Set("getState", p.getState)
	host.Set("setState", p.setState)
	host.Set("getData", p.getData)
	host.Set("setData", p.setData)
	host.Set("deleteData", p.deleteData)
	host.Set("emit", p.emit)
	host.Set("notify", p.notify)
	host.Set("fetch", p.fetch)
	host.Set("reportUsage", p.reportUsage)
	vm.Set("host", host)
}

func (p *ScriptProgram) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		entry := LogEntry{Level: level, Message: strings.Join(parts, " "), Time: time.Now()}

		p.consoleMu.Lock()
		p.console = append(p.console, entry)
		if len(p.console) > maxConsoleEntries {
			p.console = p.console[len(p.console)-maxConsoleEntries:]
		}
		p.consoleMu.Unlock()

		p.logger.Debug("Script console", zap.String("level", level), zap.String("message", entry.Message))
		return goja.Undefined()
	}
}

// throw raises err as a JavaScript exception
func (p *ScriptProgram) throw(err error) {
	panic(p.vm.NewGoError(err))
}

func (p *ScriptProgram) getState(call goja.FunctionCall) goja.Value {
	v, ok, err := p.caps.GetState(call.Argument(0).String())
	if err != nil {
		p.throw(err)
	}
	if !ok {
		return goja.Undefined()
	}
	return p.vm.ToValue(v)
}

func (p *ScriptProgram) setState(call goja.FunctionCall) goja.Value {
	if err := p.caps.SetState(call.Argument(0).String(), call.Argument(1).Export()); err != nil {
		p.throw(err)
	}
	return goja.Undefined()
}

func (p *ScriptProgram) getData(call goja.FunctionCall) goja.Value {
	v, err := p.caps.GetData(p.ctx, call.Argument(0).String(), call.Argument(1).String())
	if err != nil {
		p.throw(err)
	}
	return p.vm.ToValue(v)
}

func (p *ScriptProgram) setData(call goja.FunctionCall) goja.Value {
	err := p.caps.SetData(p.ctx, call.Argument(0).String(), call.Argument(1).String(), call.Argument(2).Export())
	if err != nil {
		p.throw(err)
	}
	return goja.Undefined()
}

func (p *ScriptProgram) deleteData(call goja.FunctionCall) goja.Value {
	if err := p.caps.DeleteData(p.ctx, call.Argument(0).String(), call.Argument(1).String()); err != nil {
		p.throw(err)
	}
	return goja.Undefined()
}

func (p *ScriptProgram) emit(call goja.FunctionCall) goja.Value {
	payload, _ := call.Argument(1).Export().(map[string]any)
	if err := p.caps.Emit(call.Argument(0).String(), payload); err != nil {
		p.throw(err)
	}
	return goja.Undefined()
}

func (p *ScriptProgram) notify(call goja.FunctionCall) goja.Value {
	if err := p.caps.Notify(p.ctx, call.Argument(0).String(), call.Argument(1).String()); err != nil {
		p.throw(err)
	}
	return goja.Undefined()
}

// fetch(url, {method, headers, body}) returns {status, headers, body, truncated}
func (p *ScriptProgram) fetch(call goja.FunctionCall) goja.Value {
	req := FetchRequest{URL: call.Argument(0).String()}
	if opts, ok := call.Argument(1).Export().(map[string]any); ok {
		req.Method, _ = opts["method"].(string)
		req.Body = opts["body"]
		if headers, ok := opts["headers"].(map[string]any); ok {
			req.Headers = make(map[string]string, len(headers))
			for k, v := range headers {
				req.Headers[k] = fmt.Sprint(v)
			}
		}
	}

	resp, err := p.caps.Fetch(p.ctx, req)
	if err != nil {
		p.throw(err)
	}
	return p.vm.ToValue(map[string]any{
		"status":    resp.Status,
		"headers":   resp.Headers,
		"body":      resp.Body,
		"truncated": resp.Truncated,
	})
}

func (p *ScriptProgram) reportUsage(call goja.FunctionCall) goja.Value {
	usage, _ := call.Argument(0).Export().(map[string]any)
	p.caps.ReportUsage(monitor.Usage{
		MemoryMB:   number(usage["memoryMb"]),
		CPUPercent: number(usage["cpuPercent"]),
		StorageMB:  number(usage["storageMb"]),
	})
	return goja.Undefined()
}

func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
