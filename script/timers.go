package script

import (
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-scriptloop/timerqueue"
)

func (e *Engine) bindTimers(target *goja.Object) {
	_ = target.Set("setTimeout", e.setTimeout)
	_ = target.Set("setInterval", e.setInterval)
	_ = target.Set("setImmediate", e.setImmediate)
	_ = target.Set("clearTimeout", e.clearTimer)
	_ = target.Set("clearInterval", e.clearTimer)
	_ = target.Set("clearImmediate", e.clearTimer)
}

func (e *Engine) timersModule(_ *goja.Runtime, module *goja.Object) {
	e.bindTimers(module.Get("exports").(*goja.Object))
}

func (e *Engine) setTimeout(call goja.FunctionCall) goja.Value {
	fn := e.callable(call, "setTimeout")
	id, err := e.thread.SetTimeout(e.callback(fn), e.delay(call.Argument(1)), e.extraArgs(call, 2)...)
	return e.timerID(id, err)
}

func (e *Engine) setInterval(call goja.FunctionCall) goja.Value {
	fn := e.callable(call, "setInterval")
	id, err := e.thread.SetInterval(e.callback(fn), e.delay(call.Argument(1)), e.extraArgs(call, 2)...)
	return e.timerID(id, err)
}

func (e *Engine) setImmediate(call goja.FunctionCall) goja.Value {
	fn := e.callable(call, "setImmediate")
	id, err := e.thread.SetImmediate(e.callback(fn), e.extraArgs(call, 1)...)
	return e.timerID(id, err)
}

// clearTimer cancels any kind of timer, returning false if it was not
// pending.
func (e *Engine) clearTimer(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return e.vm.ToValue(false)
	}
	id := arg.ToInteger()
	if id <= 0 {
		return e.vm.ToValue(false)
	}
	return e.vm.ToValue(e.thread.ClearTimer(timerqueue.ID(id)))
}

func (e *Engine) callable(call goja.FunctionCall, name string) goja.Callable {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(e.vm.NewTypeError(name + " requires a function as first argument"))
	}
	return fn
}

// delay converts milliseconds, treating negative and NaN as zero, and
// clamping to the largest 32-bit value.
func (e *Engine) delay(v goja.Value) time.Duration {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	ms := v.ToFloat()
	if math.IsNaN(ms) || ms <= 0 {
		return 0
	}
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func (e *Engine) extraArgs(call goja.FunctionCall, from int) []any {
	if len(call.Arguments) <= from {
		return nil
	}
	args := make([]any, 0, len(call.Arguments)-from)
	for _, v := range call.Arguments[from:] {
		args = append(args, v)
	}
	return args
}

func (e *Engine) timerID(id timerqueue.ID, err error) goja.Value {
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return e.vm.ToValue(int64(id))
}
