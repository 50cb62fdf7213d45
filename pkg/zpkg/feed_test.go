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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUI struct {
	messages []string
}

func (ui *testUI) ReportError(format string, a ...interface{}) error {
	ui.messages = append(ui.messages, fmt.Sprintf("Error: "+format, a...))
	return ErrAlreadyReported
}

func (ui *testUI) ReportWarning(format string, a ...interface{}) {
	ui.messages = append(ui.messages, fmt.Sprintf("Warning: "+format, a...))
}

func (ui *testUI) ReportInfo(format string, a ...interface{}) {
	ui.messages = append(ui.messages, fmt.Sprintf("Info: "+format, a...))
}

const testFeedXML = `<?xml version="1.0"?>
<interface uri="https://example.com/app.xml">
  <name>app</name>
  <summary>test application</summary>
  <group arch="Linux-x86_64" stability="stable" license="MIT" langs="en">
    <requires interface="https://example.com/lib.xml" version="1..!2"/>
    <environment name="APP_HOME" insert="."/>
    <implementation id="sha256new=AAA" version="1.0">
      <manifest-digest sha256new="AAA"/>
      <command name="run" path="bin/app"/>
    </implementation>
    <group stability="testing">
      <implementation id="sha256new=BBB" version="2.0" arch="Linux-i686" langs="de">
        <manifest-digest sha256new="BBB"/>
        <command name="run" path="bin/app"/>
      </implementation>
    </group>
  </group>
  <implementation id="sha256new=CCC" version="0.9" stability="stable">
    <archive href="https://example.com/app-0.9.tar.gz" size="123" extract="app-0.9"/>
  </implementation>
</interface>
`

func Test_ParseFeed(t *testing.T) {
	ui := &testUI{}
	feed, err := ParseFeed([]byte(testFeedXML), ui)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/app.xml", feed.URI)
	assert.Equal(t, "app", feed.Name)
	assert.Empty(t, ui.messages)
}

func Test_SimplifyInheritance(t *testing.T) {
	feed, err := ParseFeed([]byte(testFeedXML), &testUI{})
	require.NoError(t, err)

	impls := feed.Simplify()
	require.Len(t, impls, 3)
	byID := map[string]*Implementation{}
	for _, impl := range impls {
		byID[impl.ID] = impl
	}

	a := byID["sha256new=AAA"]
	require.NotNil(t, a)
	assert.Equal(t, "Linux-x86_64", a.Arch)
	assert.Equal(t, Stable, a.Stability)
	assert.Equal(t, "MIT", a.License)
	assert.Equal(t, []string{"en"}, a.LanguageList())
	require.Len(t, a.Requires, 1)
	assert.Equal(t, "https://example.com/lib.xml", a.Requires[0].Interface)
	require.Len(t, a.Bindings, 1)
	assert.Equal(t, "environment", a.Bindings[0].XMLName.Local)
	assert.Equal(t, MustParseVersion("1.0"), a.Version)
	assert.Equal(t, "AAA", a.Digest.Get(AlgoSha256New))

	// The nested group overrides stability, the implementation
	// overrides arch and languages; everything else is inherited.
	b := byID["sha256new=BBB"]
	require.NotNil(t, b)
	assert.Equal(t, "Linux-i686", b.Arch)
	assert.Equal(t, Testing, b.Stability)
	assert.Equal(t, "MIT", b.License)
	assert.Equal(t, []string{"de"}, b.LanguageList())
	require.Len(t, b.Requires, 1)

	// Top-level implementations inherit nothing.
	c := byID["sha256new=CCC"]
	require.NotNil(t, c)
	assert.Equal(t, "", c.Arch)
	assert.Equal(t, AnyArchitecture, c.Architecture)
	assert.Empty(t, c.Requires)
	require.Len(t, c.Archives, 1)
	assert.Equal(t, "app-0.9", c.Archives[0].Extract)

	// Simplify leaves the parsed tree untouched.
	again := feed.Simplify()
	require.Len(t, again, 3)
	assert.Empty(t, feed.Groups[0].Implementations[0].Bindings)
}

func Test_ParseFeedErrors(t *testing.T) {
	badVersion := `<?xml version="1.0"?>
<interface uri="https://example.com/app.xml">
  <name>app</name>
  <implementation id="x" version="not.a.version"/>
</interface>`
	_, err := ParseFeed([]byte(badVersion), &testUI{})
	assert.Error(t, err)

	badURI := `<?xml version="1.0"?>
<interface uri="notaurl">
  <name>app</name>
</interface>`
	_, err = ParseFeed([]byte(badURI), &testUI{})
	assert.Error(t, err)

	missingID := `<?xml version="1.0"?>
<interface uri="https://example.com/app.xml">
  <name>app</name>
  <implementation version="1.0"/>
</interface>`
	_, err = ParseFeed([]byte(missingID), &testUI{})
	assert.Error(t, err)

	badRange := `<?xml version="1.0"?>
<interface uri="https://example.com/app.xml">
  <name>app</name>
  <implementation id="x" version="1.0">
    <restricts interface="https://example.com/lib.xml" version="nope"/>
  </implementation>
</interface>`
	_, err = ParseFeed([]byte(badRange), &testUI{})
	assert.Error(t, err)
}
