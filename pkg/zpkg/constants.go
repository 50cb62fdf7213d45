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

package zpkg

const (
	// DefaultCommand is the command selected when the caller names
	// none and the command a runner executes when its reference names
	// none.
	DefaultCommand = "run"

	// storeLockName is the advisory lock file taken at the store root
	// by operations that delete or rewrite entries.
	storeLockName = ".zpkg_store.lock"
)
