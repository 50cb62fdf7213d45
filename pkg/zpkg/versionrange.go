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
	"strings"
)

// VersionRange is a union of half-open intervals [lo, hi).
// Either endpoint may be absent, and an interval may instead require an
// exact version.
//
// The textual form is a '|'-separated list of either exact versions or
// interval expressions "LOW..!HIGH", where both LOW and "!HIGH" are
// optional: "1.2..!3", "..!3", "1.2.." and "2.6" are all valid.
type VersionRange struct {
	intervals []versionInterval
}

type versionInterval struct {
	// lo is inclusive, hi is exclusive. A nil endpoint is unbounded.
	lo *Version
	hi *Version
	// When exact is set, only versions equal to lo are accepted.
	exact bool
}

// AnyVersion accepts every version.
var AnyVersion = VersionRange{intervals: []versionInterval{{}}}

// ParseVersionRange parses the textual range form.
// The empty string parses to AnyVersion.
func ParseVersionRange(str string) (VersionRange, error) {
	if strings.TrimSpace(str) == "" {
		return AnyVersion, nil
	}
	var intervals []versionInterval
	for _, part := range strings.Split(str, "|") {
		part = strings.TrimSpace(part)
		iv, err := parseInterval(part)
		if err != nil {
			return VersionRange{}, err
		}
		intervals = append(intervals, iv)
	}
	return VersionRange{intervals: intervals}, nil
}

func parseInterval(part string) (versionInterval, error) {
	sep := strings.Index(part, "..")
	if sep < 0 {
		v, err := ParseVersion(part)
		if err != nil {
			return versionInterval{}, err
		}
		return versionInterval{lo: &v, exact: true}, nil
	}
	result := versionInterval{}
	loStr := strings.TrimSpace(part[:sep])
	hiStr := strings.TrimSpace(part[sep+2:])
	if loStr != "" {
		lo, err := ParseVersion(loStr)
		if err != nil {
			return versionInterval{}, err
		}
		result.lo = &lo
	}
	if hiStr != "" {
		// The upper bound is exclusive and must be marked as such.
		if !strings.HasPrefix(hiStr, "!") {
			return versionInterval{}, &InvalidVersionError{Input: part}
		}
		hi, err := ParseVersion(hiStr[1:])
		if err != nil {
			return versionInterval{}, err
		}
		result.hi = &hi
	}
	return result, nil
}

// NewConstraint is the "not-before lo, before hi" shorthand.
// Either version may be zero to leave that end open.
func NewConstraint(notBefore Version, before Version) VersionRange {
	iv := versionInterval{}
	if !notBefore.IsZero() {
		iv.lo = &notBefore
	}
	if !before.IsZero() {
		iv.hi = &before
	}
	return VersionRange{intervals: []versionInterval{iv}}
}

// ExactVersion returns a range containing only v.
func ExactVersion(v Version) VersionRange {
	return VersionRange{intervals: []versionInterval{{lo: &v, exact: true}}}
}

// IsAny reports whether the range accepts every version.
func (r VersionRange) IsAny() bool {
	for _, iv := range r.intervals {
		if iv.lo == nil && iv.hi == nil && !iv.exact {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no version can satisfy the range.
// Exact and unbounded intervals are never empty; [lo, hi) is empty
// when hi <= lo.
func (r VersionRange) IsEmpty() bool {
	for _, iv := range r.intervals {
		if !iv.empty() {
			return false
		}
	}
	return true
}

func (iv versionInterval) empty() bool {
	if iv.exact {
		return false
	}
	if iv.lo == nil || iv.hi == nil {
		return false
	}
	return iv.hi.Compare(*iv.lo) <= 0
}

// Contains reports whether v lies in the range.
func (r VersionRange) Contains(v Version) bool {
	for _, iv := range r.intervals {
		if iv.contains(v) {
			return true
		}
	}
	return false
}

func (iv versionInterval) contains(v Version) bool {
	if iv.exact {
		return v.Equal(*iv.lo)
	}
	if iv.lo != nil && v.Compare(*iv.lo) < 0 {
		return false
	}
	if iv.hi != nil && v.Compare(*iv.hi) >= 0 {
		return false
	}
	return true
}

// Intersect returns a range accepting exactly the versions accepted by
// both r and other. The result may be empty; use IsEmpty to detect that.
func (r VersionRange) Intersect(other VersionRange) VersionRange {
	var intervals []versionInterval
	for _, a := range r.intervals {
		for _, b := range other.intervals {
			iv, ok := a.intersect(b)
			if ok {
				intervals = append(intervals, iv)
			}
		}
	}
	return VersionRange{intervals: intervals}
}

func (a versionInterval) intersect(b versionInterval) (versionInterval, bool) {
	if a.exact {
		if b.contains(*a.lo) {
			return a, true
		}
		return versionInterval{}, false
	}
	if b.exact {
		return b.intersect(a)
	}
	result := versionInterval{lo: a.lo, hi: a.hi}
	if b.lo != nil && (result.lo == nil || b.lo.Compare(*result.lo) > 0) {
		result.lo = b.lo
	}
	if b.hi != nil && (result.hi == nil || b.hi.Compare(*result.hi) < 0) {
		result.hi = b.hi
	}
	if result.empty() {
		return versionInterval{}, false
	}
	return result, true
}

func (r VersionRange) String() string {
	if len(r.intervals) == 0 {
		return "<empty>"
	}
	parts := make([]string, len(r.intervals))
	for i, iv := range r.intervals {
		parts[i] = iv.String()
	}
	return strings.Join(parts, " | ")
}

func (iv versionInterval) String() string {
	if iv.exact {
		return iv.lo.String()
	}
	var sb strings.Builder
	if iv.lo != nil {
		sb.WriteString(iv.lo.String())
	}
	sb.WriteString("..")
	if iv.hi != nil {
		sb.WriteString("!")
		sb.WriteString(iv.hi.String())
	}
	return sb.String()
}
