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

package feedurl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_URIPath(t *testing.T) {
	up := ToURIPath("https://example.com/feeds/app.xml")
	assert.Equal(t, "https%3A//example.com/feeds/app.xml", string(up))
	assert.Equal(t, "https://example.com/feeds/app.xml", up.URL())
	assert.NotContains(t, string(up), ":")
}

func Test_FlatName(t *testing.T) {
	feedID := "https://example.com/feeds/app.xml"
	name := FlatName(feedID)
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, ":")

	decoded, err := FromFlatName(name)
	require.NoError(t, err)
	assert.Equal(t, feedID, decoded)
}

func Test_FlatNameRoundtripsPercent(t *testing.T) {
	feedID := "https://example.com/50%25-off.xml"
	decoded, err := FromFlatName(FlatName(feedID))
	require.NoError(t, err)
	assert.Equal(t, feedID, decoded)
	assert.False(t, strings.ContainsAny(FlatName(feedID), "/:"))
}
