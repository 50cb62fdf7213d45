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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseArchitecture(t *testing.T) {
	arch, err := ParseArchitecture("Linux-x86_64")
	require.NoError(t, err)
	assert.Equal(t, OSLinux, arch.OS)
	assert.Equal(t, CPUX8664, arch.CPU)

	arch, err = ParseArchitecture("*-src")
	require.NoError(t, err)
	assert.Equal(t, OSAny, arch.OS)
	assert.Equal(t, CPUSource, arch.CPU)

	arch, err = ParseArchitecture("")
	require.NoError(t, err)
	assert.Equal(t, AnyArchitecture, arch)

	for _, bad := range []string{"Linux", "Atari-x86_64", "Linux-z80", "x86_64-Linux"} {
		_, err = ParseArchitecture(bad)
		assert.Error(t, err, bad)
	}
}

func Test_ArchitectureRunsOn(t *testing.T) {
	runs := func(candidate string, required string) bool {
		c, err := ParseArchitecture(candidate)
		require.NoError(t, err)
		r, err := ParseArchitecture(required)
		require.NoError(t, err)
		return c.RunsOn(r)
	}

	// Exact and wildcard matches.
	assert.True(t, runs("Linux-x86_64", "Linux-x86_64"))
	assert.True(t, runs("*-*", "Linux-x86_64"))
	assert.True(t, runs("Linux-x86_64", "*-*"))

	// POSIX is the superset of the unix-likes.
	assert.True(t, runs("POSIX-*", "Linux-x86_64"))
	assert.True(t, runs("POSIX-*", "MacOSX-x86_64"))
	assert.False(t, runs("POSIX-*", "Windows-x86_64"))
	assert.False(t, runs("Linux-*", "MacOSX-x86_64"))

	// 32-bit x86 binaries run on 64-bit hosts, not the reverse.
	assert.True(t, runs("Linux-i386", "Linux-x86_64"))
	assert.True(t, runs("Linux-i486", "Linux-i686"))
	assert.False(t, runs("Linux-x86_64", "Linux-i686"))
	assert.False(t, runs("Linux-i686", "Linux-i486"))

	// Families never mix.
	assert.False(t, runs("Linux-ppc", "Linux-x86_64"))
	assert.True(t, runs("Linux-ppc", "Linux-ppc64"))

	// Source is only ever selected when source was asked for.
	assert.False(t, runs("*-src", "Linux-x86_64"))
	assert.True(t, runs("*-src", "Linux-src"))
	assert.False(t, runs("Linux-i386", "Linux-src"))
}
