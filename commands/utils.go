// Copyright (C) 2024 the zpkg authors.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func FirstError(errors ...error) error {
	for _, err := range errors {
		if err != nil {
			return err
		}
	}
	return nil
}

// WithSilent marks errors that were already shown to the user and
// only carry an exit code.
type WithSilent interface {
	Silent() bool
	ExitCode() int
}

type exitError struct {
	code int
}

func (e *exitError) ExitCode() int {
	return e.code
}

func (e *exitError) Silent() bool {
	return true
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func newExitError(code int) *exitError {
	return &exitError{
		code: code,
	}
}

// DefaultRunWrapper prints non-silent errors and exits with the
// error's code.
var DefaultRunWrapper Run = func(f CobraErrorCommand) CobraCommand {
	return func(cmd *cobra.Command, args []string) {
		err := f(cmd, args)
		if err == nil {
			return
		}
		code := 1
		if ws, ok := err.(WithSilent); ok && ws.Silent() {
			code = ws.ExitCode()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
}
