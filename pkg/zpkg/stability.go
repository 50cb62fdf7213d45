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

import "fmt"

// Stability rates how usable an implementation is. Higher is better.
type Stability int

const (
	StabilityUnset Stability = iota
	Insecure
	Buggy
	Developer
	Testing
	Stable
	// Preferred is never set in feeds; it is a per-user override that
	// pins an implementation ahead of everything else.
	Preferred
)

var stabilityNames = map[string]Stability{
	"insecure":  Insecure,
	"buggy":     Buggy,
	"developer": Developer,
	"testing":   Testing,
	"stable":    Stable,
	"preferred": Preferred,
}

// ParseStability parses a feed stability value. The empty string is
// StabilityUnset, which callers treat as Testing.
func ParseStability(str string) (Stability, error) {
	if str == "" {
		return StabilityUnset, nil
	}
	s, ok := stabilityNames[str]
	if !ok {
		return StabilityUnset, fmt.Errorf("invalid stability: '%s'", str)
	}
	return s, nil
}

func (s Stability) String() string {
	for name, value := range stabilityNames {
		if value == s {
			return name
		}
	}
	return "unset"
}

// orTesting resolves the feed default: an implementation without an
// explicit rating counts as testing.
func (s Stability) orTesting() Stability {
	if s == StabilityUnset {
		return Testing
	}
	return s
}
