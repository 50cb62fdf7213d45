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
	"fmt"
	"strconv"
	"strings"
)

// Version is a Zero Install style version: dotted integer segments,
// optionally separated by the named modifiers "pre", "rc" and "post".
// For example "1.2", "1.2-pre3" or "1.0-post".
//
// Versions are immutable once parsed. The ordering is total:
//
//	1.0-pre1 < 1.0-rc1 < 1.0 < 1.0-post1 < 1.1
type Version struct {
	blocks []versionBlock
	str    string
}

// A versionBlock is a dotted integer list preceded by a modifier.
// The first block of a version has the implicit "none" modifier.
type versionBlock struct {
	mod      modifier
	segments []int64
}

type modifier int

const (
	modPre modifier = iota - 2
	modRC
	modNone
	modPost
)

var modifierNames = map[string]modifier{
	"pre":  modPre,
	"rc":   modRC,
	"post": modPost,
}

func (m modifier) String() string {
	switch m {
	case modPre:
		return "pre"
	case modRC:
		return "rc"
	case modPost:
		return "post"
	}
	return ""
}

// InvalidVersionError is returned when a version string does not match
// the version grammar.
type InvalidVersionError struct {
	Input string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version: '%s'", e.Input)
}

func parseSegments(str string) ([]int64, error) {
	parts := strings.Split(str, ".")
	result := make([]int64, len(parts))
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad segment '%s'", part)
		}
		result[i] = n
	}
	return result, nil
}

// ParseVersion parses str as a version.
// Fails with an *InvalidVersionError on malformed input.
func ParseVersion(str string) (Version, error) {
	fail := func() (Version, error) {
		return Version{}, &InvalidVersionError{Input: str}
	}
	if str == "" {
		return fail()
	}
	chunks := strings.Split(str, "-")
	segments, err := parseSegments(chunks[0])
	if err != nil {
		return fail()
	}
	blocks := []versionBlock{{mod: modNone, segments: segments}}
	for _, chunk := range chunks[1:] {
		name := chunk
		rest := ""
		for prefix := range modifierNames {
			if strings.HasPrefix(chunk, prefix) {
				name = prefix
				rest = chunk[len(prefix):]
				break
			}
		}
		mod, ok := modifierNames[name]
		if !ok {
			return fail()
		}
		block := versionBlock{mod: mod}
		if rest != "" {
			block.segments, err = parseSegments(rest)
			if err != nil {
				return fail()
			}
		}
		blocks = append(blocks, block)
	}
	return Version{blocks: blocks, str: str}, nil
}

// MustParseVersion is like ParseVersion but panics on error.
// Intended for constants and tests.
func MustParseVersion(str string) Version {
	v, err := ParseVersion(str)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return v.str
}

// IsZero reports whether v is the zero value (not a parsed version).
func (v Version) IsZero() bool {
	return v.blocks == nil
}

func compareSegments(a []int64, b []int64) int {
	l := len(a)
	if len(b) > l {
		l = len(b)
	}
	for i := 0; i < l; i++ {
		// A missing segment sorts before any present one, so "1" < "1.0".
		if i >= len(a) {
			return -1
		}
		if i >= len(b) {
			return 1
		}
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Compare returns -1, 0, or 1 depending on whether v is ordered before,
// equal to, or after other.
func (v Version) Compare(other Version) int {
	l := len(v.blocks)
	if len(other.blocks) > l {
		l = len(other.blocks)
	}
	for i := 0; i < l; i++ {
		// A missing block behaves like "-<none>" with no digits:
		// "1.0" < "1.0-post" and "1.0-pre1" < "1.0".
		a := versionBlock{mod: modNone}
		b := versionBlock{mod: modNone}
		if i < len(v.blocks) {
			a = v.blocks[i]
		}
		if i < len(other.blocks) {
			b = other.blocks[i]
		}
		if a.mod != b.mod {
			if a.mod < b.mod {
				return -1
			}
			return 1
		}
		if c := compareSegments(a.segments, b.segments); c != 0 {
			return c
		}
	}
	return 0
}

func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

func (v Version) Before(other Version) bool {
	return v.Compare(other) < 0
}

// Key returns a canonical representation suitable as a map key.
// Two versions have the same key iff they parsed to the same value.
func (v Version) Key() string {
	var sb strings.Builder
	for i, block := range v.blocks {
		if i > 0 {
			sb.WriteByte('-')
			sb.WriteString(block.mod.String())
		}
		for j, seg := range block.segments {
			if j > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(strconv.FormatInt(seg, 10))
		}
	}
	return sb.String()
}
