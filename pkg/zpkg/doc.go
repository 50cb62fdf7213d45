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

// Package zpkg implements the core of a decentralized application
// deployment system: version selection over feeds, and a
// content-addressed cache of the selected implementations.
//
// Key concepts:
// * Interface: a stable identifier (URL or absolute path) for an
//   abstract thing a program can depend on. Resolves to one or more
//   feeds.
// * Feed: a document enumerating implementations (and groups of them)
//   for one or more interfaces. Version resolution works on feeds
//   alone, without downloading any implementation.
// * Implementation: one concrete version+architecture build of an
//   interface, addressable by the manifest digest of its directory
//   tree.
// * Store: the on-disk cache of extracted implementations, keyed by
//   manifest digest. Entries are verified when added and are read-only
//   afterwards; any store holding an entry with the right digest holds
//   the right content.
// * Selections: the result of a solve. One chosen implementation per
//   interface, serialized as XML so that the executor (a separate
//   program) can set up the environment and launch the root command.
// * Restriction: a constraint an implementation places on the
//   acceptable versions of another interface. The solver's job is to
//   find an assignment under which all restrictions hold.
package zpkg
