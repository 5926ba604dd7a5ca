// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/go-scriptloop/thread"
	"github.com/joeycumines/go-scriptloop/timerqueue"
	"github.com/joeycumines/logiface"
)

// errExit interrupts the runtime when a script calls exit().
var errExit = errors.New("script: exit")

// Engine is a goja runtime bound to a thread. It must only be used from the
// thread's goroutine, i.e. from within the entry action or callbacks.
type Engine struct {
	thread *thread.Thread
	vm     *goja.Runtime
	logger *logiface.Logger[logiface.Event]
	loader Loader
	name   string
	exited bool
}

// NewEngine creates an engine for t, binding the globals documented by the
// package.
func NewEngine(t *thread.Thread, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, errors.New("script: nil thread")
	}
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = t.Runtime().Logger()
	}

	e := &Engine{
		thread: t,
		vm:     goja.New(),
		logger: cfg.logger,
		loader: cfg.loader,
	}

	registry := require.NewRegistry(require.WithLoader(e.readModule))
	registry.RegisterNativeModule("timers", e.timersModule)
	registry.Enable(e.vm)

	e.bindTimers(e.vm.GlobalObject())
	if err := e.vm.Set("console", e.newConsole()); err != nil {
		return nil, err
	}
	if err := e.vm.Set("exit", e.exit); err != nil {
		return nil, err
	}
	for name, value := range cfg.globals {
		if err := e.vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("script: set global %q: %w", name, err)
		}
	}

	return e, nil
}

// Runtime returns the underlying goja runtime.
func (e *Engine) Runtime() *goja.Runtime { return e.vm }

// Thread returns the thread the engine is bound to.
func (e *Engine) Thread() *thread.Thread { return e.thread }

// Run compiles and runs src. Calling exit() is not an error.
func (e *Engine) Run(src Source) error {
	e.name = src.Name
	prog, err := goja.Compile(src.Name, src.Code, false)
	if err != nil {
		return e.wrap(err)
	}
	_, err = e.vm.RunProgram(prog)
	return e.wrap(err)
}

// Entry returns an action that loads entry, then runs it in a new engine.
func Entry(loader Loader, entry string, opts ...Option) thread.Action {
	return func(ctx context.Context, t *thread.Thread) error {
		src, err := loader.Load(entry)
		if err != nil {
			return err
		}
		e, err := NewEngine(t, append([]Option{WithLoader(loader)}, opts...)...)
		if err != nil {
			return err
		}
		return e.Run(src)
	}
}

// wrap converts errors returned by goja.
func (e *Engine) wrap(err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if e.exited {
			return nil
		}
		return fmt.Errorf("script: interrupted: %w", context.Canceled)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &Exception{Err: exception, Script: e.name}
	}
	return fmt.Errorf("script: %s: %w", e.name, err)
}

func (e *Engine) exit(goja.FunctionCall) goja.Value {
	e.exited = true
	e.thread.Interrupt()
	e.vm.Interrupt(errExit)
	return goja.Undefined()
}

func (e *Engine) readModule(filename string) ([]byte, error) {
	if e.loader == nil {
		return nil, require.ModuleFileDoesNotExistError
	}
	src, err := e.loader.Load(filename)
	if errors.Is(err, ErrNoEntry) {
		return nil, require.ModuleFileDoesNotExistError
	}
	if err != nil {
		return nil, err
	}
	return []byte(src.Code), nil
}

func (e *Engine) newConsole() *goja.Object {
	console := e.vm.NewObject()
	for name, level := range map[string]logiface.Level{
		"log":   logiface.LevelInformational,
		"info":  logiface.LevelInformational,
		"warn":  logiface.LevelWarning,
		"error": logiface.LevelError,
		"debug": logiface.LevelDebug,
	} {
		_ = console.Set(name, e.consoleFunc(level))
	}
	return console
}

func (e *Engine) consoleFunc(level logiface.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		e.logger.Build(level).
			Str(`thread_label`, e.thread.Label()).
			Str(`script`, e.name).
			Log(strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// callback adapts a JavaScript function to a queue callback. The captured
// arguments are passed through to fn.
func (e *Engine) callback(fn goja.Callable) timerqueue.Func {
	return func(args ...any) error {
		values := make([]goja.Value, len(args))
		for i, arg := range args {
			values[i] = arg.(goja.Value)
		}
		_, err := fn(goja.Undefined(), values...)
		return e.wrap(err)
	}
}
