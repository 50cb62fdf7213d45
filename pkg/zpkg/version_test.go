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

func Test_ParseVersion(t *testing.T) {
	valid := []string{
		"1",
		"0",
		"1.2",
		"1.2.3",
		"1.2-pre",
		"1.2-pre3",
		"1.2-rc1",
		"1.2-post",
		"1.2-post1.3",
		"1.0-pre1-post2",
		"0.0.0",
	}
	for _, str := range valid {
		v, err := ParseVersion(str)
		require.NoError(t, err, str)
		assert.Equal(t, str, v.String())
	}

	invalid := []string{
		"",
		"1.",
		".1",
		"1..2",
		"-pre",
		"1.2-alpha",
		"1.2-",
		"1.2-pre-",
		"v1.2",
		"1.-3",
		"a.b",
		"1.2.x",
	}
	for _, str := range invalid {
		_, err := ParseVersion(str)
		require.Error(t, err, str)
		var invalidErr *InvalidVersionError
		assert.ErrorAs(t, err, &invalidErr, str)
	}
}

func Test_VersionOrder(t *testing.T) {
	// Each entry is strictly greater than its predecessor.
	ascending := []string{
		"0",
		"0.1",
		"1-pre",
		"1-pre1",
		"1-rc",
		"1-rc1",
		"1-rc1.1",
		"1-rc2",
		"1",
		"1-post",
		"1-post1-pre",
		"1-post1",
		"1-post1.2",
		"1.0",
		"1.0.1",
		"1.2",
		"1.2.1.4",
		"1.10",
		"2",
	}
	versions := make([]Version, len(ascending))
	for i, str := range ascending {
		versions[i] = MustParseVersion(str)
	}
	for i := range versions {
		for j := range versions {
			c := versions[i].Compare(versions[j])
			switch {
			case i < j:
				assert.Equal(t, -1, c, "%s < %s", ascending[i], ascending[j])
			case i > j:
				assert.Equal(t, 1, c, "%s > %s", ascending[i], ascending[j])
			default:
				assert.Equal(t, 0, c, ascending[i])
			}
		}
	}
}

func Test_VersionEqualityAndKey(t *testing.T) {
	a := MustParseVersion("1.2.3")
	b := MustParseVersion("1.2.3")
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	c := MustParseVersion("1.2")
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Key(), c.Key())

	d := MustParseVersion("1.2-pre")
	e := MustParseVersion("1.2-pre0")
	assert.False(t, d.Equal(e))
	assert.NotEqual(t, d.Key(), e.Key())
}

func Test_ParseVersionRange(t *testing.T) {
	contains := func(rangeStr string, versionStr string) bool {
		r, err := ParseVersionRange(rangeStr)
		require.NoError(t, err, rangeStr)
		return r.Contains(MustParseVersion(versionStr))
	}

	assert.True(t, contains("", "0.1"))
	assert.True(t, contains("1..!2", "1"))
	assert.True(t, contains("1..!2", "1.9.9"))
	assert.False(t, contains("1..!2", "2"))
	assert.False(t, contains("1..!2", "0.9"))
	assert.True(t, contains("1..", "99"))
	assert.False(t, contains("1..", "1-pre"))
	assert.True(t, contains("..!3", "2.9"))
	assert.False(t, contains("..!3", "3"))
	assert.True(t, contains("2.6", "2.6"))
	assert.False(t, contains("2.6", "2.6.0"))
	assert.True(t, contains("1..!2 | 3..!4", "3.5"))
	assert.False(t, contains("1..!2 | 3..!4", "2.5"))

	_, err := ParseVersionRange("1..2")
	assert.Error(t, err)
	_, err = ParseVersionRange("x..!2")
	assert.Error(t, err)
}

func Test_VersionRangeIntersect(t *testing.T) {
	parse := func(str string) VersionRange {
		r, err := ParseVersionRange(str)
		require.NoError(t, err)
		return r
	}

	both := parse("1..!3").Intersect(parse("2.."))
	assert.True(t, both.Contains(MustParseVersion("2.5")))
	assert.False(t, both.Contains(MustParseVersion("1.5")))
	assert.False(t, both.Contains(MustParseVersion("3")))

	empty := parse("1..!2").Intersect(parse("2..!3"))
	assert.True(t, empty.IsEmpty())

	exact := parse("1..!2").Intersect(parse("1.5"))
	assert.True(t, exact.Contains(MustParseVersion("1.5")))
	assert.False(t, exact.Contains(MustParseVersion("1.6")))

	assert.False(t, parse("1..!2").IsEmpty())
	assert.True(t, AnyVersion.Intersect(parse("2..")).Contains(MustParseVersion("2")))
}

func Test_Constraint(t *testing.T) {
	r := NewConstraint(MustParseVersion("1.2"), MustParseVersion("2"))
	assert.True(t, r.Contains(MustParseVersion("1.2")))
	assert.True(t, r.Contains(MustParseVersion("1.9")))
	assert.False(t, r.Contains(MustParseVersion("2")))
	assert.False(t, r.Contains(MustParseVersion("1.1")))

	open := NewConstraint(MustParseVersion("1.2"), Version{})
	assert.True(t, open.Contains(MustParseVersion("99")))
	assert.False(t, open.IsAny())
	assert.True(t, NewConstraint(Version{}, Version{}).IsAny())

	exact := ExactVersion(MustParseVersion("1.2"))
	assert.True(t, exact.Contains(MustParseVersion("1.2")))
	assert.False(t, exact.Contains(MustParseVersion("1.2.0")))
}
