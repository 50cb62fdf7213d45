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
	"encoding/xml"
	"os"
	"strings"
)

// Feed describes the implementations available for an interface.
// Feeds are immutable once loaded; the candidate enumeration works on
// the flat implementation list produced by Simplify.
type Feed struct {
	XMLName xml.Name `xml:"interface"`
	URI     string   `xml:"uri,attr"`
	Name    string   `xml:"name"`
	Summary string   `xml:"summary"`

	MinInjectorVersion string `xml:"min-injector-version,attr"`

	// Imports of further feeds for the same interface, and
	// back-references registering this feed for other interfaces.
	// Cross-references are by feed ID only; the feed graph is resolved
	// by the candidate enumerator.
	Feeds   []FeedImport    `xml:"feed"`
	FeedFor []FeedReference `xml:"feed-for"`

	Groups          []Group           `xml:"group"`
	Implementations []*Implementation `xml:"implementation"`

	// The feed ID this feed was loaded from. Usually equal to URI, but
	// local copies of remote feeds keep their retrieval identity here.
	source string
}

// FeedImport points at another feed contributing implementations to
// this interface.
type FeedImport struct {
	Src  string `xml:"src,attr"`
	Arch string `xml:"arch,attr,omitempty"`
}

// FeedReference marks this feed as a source of implementations for
// another interface.
type FeedReference struct {
	Interface string `xml:"interface,attr"`
}

// Group carries attributes shared by its descendants. Groups never
// reach the solver; Simplify folds them into their leaf
// implementations.
type Group struct {
	Arch               string `xml:"arch,attr,omitempty"`
	StabilityString    string `xml:"stability,attr,omitempty"`
	License            string `xml:"license,attr,omitempty"`
	Main               string `xml:"main,attr,omitempty"`
	Languages          string `xml:"langs,attr,omitempty"`
	VersionString      string `xml:"version,attr,omitempty"`
	MinInjectorVersion string `xml:"min-injector-version,attr,omitempty"`

	Requires  []Dependency  `xml:"requires"`
	Restricts []Restriction `xml:"restricts"`
	Bindings  []Binding     `xml:",any"`

	Groups          []Group           `xml:"group"`
	Implementations []*Implementation `xml:"implementation"`
}

// Implementation is one concrete version+architecture build of an
// interface.
type Implementation struct {
	ID                 string `xml:"id,attr"`
	VersionString      string `xml:"version,attr"`
	Arch               string `xml:"arch,attr,omitempty"`
	StabilityString    string `xml:"stability,attr,omitempty"`
	License            string `xml:"license,attr,omitempty"`
	Main               string `xml:"main,attr,omitempty"`
	Languages          string `xml:"langs,attr,omitempty"`
	Released           string `xml:"released,attr,omitempty"`
	LocalPath          string `xml:"local-path,attr,omitempty"`
	MinInjectorVersion string `xml:"min-injector-version,attr,omitempty"`

	DigestElement *manifestDigestElement `xml:"manifest-digest"`
	Archives      []ArchiveElement       `xml:"archive"`

	Commands  []Command     `xml:"command"`
	Requires  []Dependency  `xml:"requires"`
	Restricts []Restriction `xml:"restricts"`
	Bindings  []Binding     `xml:",any"`

	// Parsed forms, filled during feed validation / Simplify.
	Version      Version        `xml:"-"`
	Architecture Architecture   `xml:"-"`
	Stability    Stability      `xml:"-"`
	Digest       ManifestDigest `xml:"-"`
}

type manifestDigestElement struct {
	Sha1New   string `xml:"sha1new,attr,omitempty"`
	Sha256    string `xml:"sha256,attr,omitempty"`
	Sha256New string `xml:"sha256new,attr,omitempty"`
}

// ArchiveElement is a retrieval method: an archive to download and
// extract.
type ArchiveElement struct {
	Href    string `xml:"href,attr"`
	Size    int64  `xml:"size,attr,omitempty"`
	Extract string `xml:"extract,attr,omitempty"`
	Dest    string `xml:"dest,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
}

// Command tells the executor how to run an implementation.
type Command struct {
	Name string `xml:"name,attr"`
	Path string `xml:"path,attr,omitempty"`

	Runner    *Runner       `xml:"runner"`
	Requires  []Dependency  `xml:"requires"`
	Restricts []Restriction `xml:"restricts"`
	Args      []string      `xml:"arg"`
	Bindings  []Binding     `xml:",any"`
}

// Runner is an extra dependency whose selected implementation executes
// this command.
type Runner struct {
	Interface string   `xml:"interface,attr"`
	Command   string   `xml:"command,attr,omitempty"`
	Args      []string `xml:"arg"`
}

// Dependency requires another interface, optionally constrained to a
// version range.
type Dependency struct {
	Interface  string `xml:"interface,attr"`
	Versions   string `xml:"version,attr,omitempty"`
	Importance string `xml:"importance,attr,omitempty"`

	Restricts []Restriction `xml:"restricts"`
	Bindings  []Binding     `xml:",any"`
}

// Restriction constrains the versions of another interface without
// creating a dependency on it.
type Restriction struct {
	Interface string `xml:"interface,attr"`
	Versions  string `xml:"version,attr"`
}

// Binding tells the executor how to expose a selected implementation.
// Only the data shape matters here; interpretation is the executor's.
type Binding struct {
	XMLName xml.Name
	Name    string `xml:"name,attr,omitempty"`
	Command string `xml:"command,attr,omitempty"`
	Insert  string `xml:"insert,attr,omitempty"`
	Value   string `xml:"value,attr,omitempty"`
	Mode    string `xml:"mode,attr,omitempty"`
}

// Range parses the restriction's version attribute.
func (r Restriction) Range() (VersionRange, error) {
	return ParseVersionRange(r.Versions)
}

// Command returns the command with the given name, or nil.
func (impl *Implementation) Command(name string) *Command {
	for i := range impl.Commands {
		if impl.Commands[i].Name == name {
			return &impl.Commands[i]
		}
	}
	return nil
}

// IsEssential is true unless the dependency was marked "recommended".
func (d Dependency) IsEssential() bool {
	return d.Importance != "recommended"
}

// ParseFeed parses and validates feed XML.
func ParseFeed(b []byte, ui UI) (*Feed, error) {
	var feed Feed
	if err := xml.Unmarshal(b, &feed); err != nil {
		return nil, ui.ReportError("Failed to parse feed: %v", err)
	}
	if err := feed.validate(ui); err != nil {
		return nil, err
	}
	return &feed, nil
}

// ParseFeedFile reads and parses the feed at path.
func ParseFeedFile(path string, ui UI) (*Feed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	feed, err := ParseFeed(b, ui)
	if err != nil {
		if IsErrAlreadyReported(err) {
			return nil, ui.ReportError("Failed to parse feed '%s'", path)
		}
		return nil, err
	}
	if feed.source == "" {
		feed.source = path
	}
	return feed, nil
}

func (f *Feed) validate(ui UI) error {
	if f.URI != "" && !IsValidFeedID(f.URI) {
		return ui.ReportError("Feed has invalid interface URI '%s': %v", f.URI, ErrInvalidInterfaceURI)
	}
	for _, impl := range f.Simplify() {
		if impl.ID == "" {
			return ui.ReportError("Feed '%s' has an implementation without an id", f.URI)
		}
		if _, err := ParseVersion(impl.VersionString); err != nil {
			return ui.ReportError("Invalid version in '%s' implementation '%s': '%s'", f.URI, impl.ID, impl.VersionString)
		}
		for _, restriction := range impl.Restricts {
			if _, err := restriction.Range(); err != nil {
				return ui.ReportError("Invalid version range in '%s' implementation '%s': '%s'", f.URI, impl.ID, restriction.Versions)
			}
		}
		for _, dep := range impl.Requires {
			if _, err := ParseVersionRange(dep.Versions); err != nil {
				return ui.ReportError("Invalid version range in '%s' implementation '%s': '%s'", f.URI, impl.ID, dep.Versions)
			}
		}
	}
	return nil
}

// Source returns the feed ID this feed was loaded from.
func (f *Feed) Source() string {
	if f.source != "" {
		return f.source
	}
	return f.URI
}

// groupContext is the attribute set inherited down a group chain.
type groupContext struct {
	arch               string
	version            string
	stability          string
	license            string
	main               string
	languages          string
	minInjectorVersion string
	requires           []Dependency
	restricts          []Restriction
	bindings           []Binding
}

func (ctx groupContext) apply(g *Group) groupContext {
	result := ctx
	if g.Arch != "" {
		result.arch = g.Arch
	}
	if g.VersionString != "" {
		result.version = g.VersionString
	}
	if g.StabilityString != "" {
		result.stability = g.StabilityString
	}
	if g.License != "" {
		result.license = g.License
	}
	if g.Main != "" {
		result.main = g.Main
	}
	if g.Languages != "" {
		result.languages = g.Languages
	}
	if g.MinInjectorVersion != "" {
		result.minInjectorVersion = g.MinInjectorVersion
	}
	// Copying append: inherited lists are shared between siblings.
	n := len(result.requires)
	result.requires = append(result.requires[:n:n], g.Requires...)
	n = len(result.restricts)
	result.restricts = append(result.restricts[:n:n], g.Restricts...)
	n = len(result.bindings)
	result.bindings = append(result.bindings[:n:n], g.Bindings...)
	return result
}

// Simplify flattens the group tree into self-contained
// implementations: each implementation carries everything its
// enclosing groups declared, with its own attributes taking
// precedence. The originals are not modified.
func (f *Feed) Simplify() []*Implementation {
	var result []*Implementation
	root := groupContext{}
	for i := range f.Implementations {
		result = append(result, simplifyImpl(f.Implementations[i], root))
	}
	for i := range f.Groups {
		result = append(result, simplifyGroup(&f.Groups[i], root)...)
	}
	return result
}

func simplifyGroup(g *Group, ctx groupContext) []*Implementation {
	ctx = ctx.apply(g)
	var result []*Implementation
	for i := range g.Implementations {
		result = append(result, simplifyImpl(g.Implementations[i], ctx))
	}
	for i := range g.Groups {
		result = append(result, simplifyGroup(&g.Groups[i], ctx)...)
	}
	return result
}

func simplifyImpl(impl *Implementation, ctx groupContext) *Implementation {
	flat := *impl
	if flat.Arch == "" {
		flat.Arch = ctx.arch
	}
	if flat.VersionString == "" {
		flat.VersionString = ctx.version
	}
	if flat.StabilityString == "" {
		flat.StabilityString = ctx.stability
	}
	if flat.License == "" {
		flat.License = ctx.license
	}
	if flat.Main == "" {
		flat.Main = ctx.main
	}
	if flat.Languages == "" {
		flat.Languages = ctx.languages
	}
	if flat.MinInjectorVersion == "" {
		flat.MinInjectorVersion = ctx.minInjectorVersion
	}
	flat.Requires = append(append([]Dependency{}, ctx.requires...), impl.Requires...)
	flat.Restricts = append(append([]Restriction{}, ctx.restricts...), impl.Restricts...)
	flat.Bindings = append(append([]Binding{}, ctx.bindings...), impl.Bindings...)
	flat.normalize()
	return &flat
}

// normalize fills the parsed forms from the string attributes.
// Validation has already established that they parse.
func (impl *Implementation) normalize() {
	impl.Version, _ = ParseVersion(impl.VersionString)
	arch, err := ParseArchitecture(impl.Arch)
	if err != nil {
		arch = AnyArchitecture
	}
	impl.Architecture = arch
	impl.Stability, _ = ParseStability(impl.StabilityString)

	var digest ManifestDigest
	if impl.DigestElement != nil {
		digest.Add(AlgoSha1New, impl.DigestElement.Sha1New)
		digest.Add(AlgoSha256, impl.DigestElement.Sha256)
		digest.Add(AlgoSha256New, impl.DigestElement.Sha256New)
	}
	// An id of the form "algorithm=value" doubles as a digest entry.
	if strings.Contains(impl.ID, "=") {
		if algo, value, err := ParseDigestEntry(impl.ID); err == nil {
			digest.Add(algo, value)
		}
	}
	impl.Digest = digest
}

// LanguageList splits the space-separated language tags.
func (impl *Implementation) LanguageList() []string {
	if impl.Languages == "" {
		return nil
	}
	return strings.Fields(impl.Languages)
}
