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

// Package feedurl maps feed and interface URLs onto cache paths.
package feedurl

import (
	"net/url"
	"path/filepath"
	"strings"
)

// URIPath is a url suitable as a '/' separated path.
// That is, the URL can be used as a path once the '/'s are translated to OS
// specific path-segment separators. Most importantly, such a URL does not
// contain any `:`.
// For example:
// the url 'host.com/c:/foo/bar' is legal, but we wouldn't be able to create
// a folder 'mirrors/host.com/c:/foo/bar' on Windows, as ':' in paths are not
// allowed there.
// The URIPath fixes this by escaping the ':'.
type URIPath string

// ToURIPath takes a URL and converts it to an URIPath.
func ToURIPath(url string) URIPath {
	return URIPath(strings.ReplaceAll(url, ":", "%3A"))
}

// URL undoes the escaping done in ToURIPath.
func (up URIPath) URL() string {
	return strings.ReplaceAll(string(up), "%3A", ":")
}

func (up URIPath) FilePath() string {
	return filepath.FromSlash(string(up))
}

// FlatName encodes a feed ID as a single file name, for the flat feed
// cache where each feed is one XML file named by its URL.
func FlatName(feedID string) string {
	escaped := strings.ReplaceAll(feedID, "%", "%25")
	escaped = strings.ReplaceAll(escaped, ":", "%3A")
	escaped = strings.ReplaceAll(escaped, "/", "%2F")
	return escaped
}

// FromFlatName decodes a file name produced by FlatName back into the
// feed ID.
func FromFlatName(name string) (string, error) {
	return url.PathUnescape(name)
}
