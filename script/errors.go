// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package script

import (
	"errors"

	"github.com/dop251/goja"
)

// ErrNoEntry is returned by a [Loader] for entries that do not exist.
var ErrNoEntry = errors.New("script: no such entry")

// Exception is an uncaught JavaScript exception.
type Exception struct {
	Err    *goja.Exception
	Script string
}

func (x *Exception) Error() string {
	if x.Script == "" {
		return "script: " + x.Err.Error()
	}
	return "script: " + x.Script + ": " + x.Err.Error()
}

func (x *Exception) Unwrap() error {
	return x.Err
}
