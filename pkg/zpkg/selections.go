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
	"bytes"
	"encoding/xml"
	"os"
)

// Selections is the result of a solve: one chosen implementation per
// interface, in the order the solver committed to them (root first,
// then depth-first through dependencies and runners).
//
// The document serializes to a canonical XML form for external
// consumers (most importantly the executor).
type Selections struct {
	XMLName      xml.Name                   `xml:"selections"`
	InterfaceURI string                     `xml:"interface,attr"`
	Command      string                     `xml:"command,attr,omitempty"`
	Selections   []*ImplementationSelection `xml:"selection"`
}

// ImplementationSelection ties one chosen implementation to the store:
// the manifest digest is the key the executor resolves via
// Store.GetPath.
type ImplementationSelection struct {
	InterfaceURI    string `xml:"interface,attr"`
	ID              string `xml:"id,attr"`
	VersionString   string `xml:"version,attr"`
	FromFeed        string `xml:"from-feed,attr,omitempty"`
	Arch            string `xml:"arch,attr,omitempty"`
	StabilityString string `xml:"stability,attr,omitempty"`
	LocalPath       string `xml:"local-path,attr,omitempty"`

	DigestElement *manifestDigestElement `xml:"manifest-digest"`

	// Archives are kept so that a consumer can stage an uncached
	// selection later.
	Archives []ArchiveElement `xml:"archive"`

	Commands  []Command     `xml:"command"`
	Requires  []Dependency  `xml:"requires"`
	Restricts []Restriction `xml:"restricts"`
	Bindings  []Binding     `xml:",any"`

	Version Version        `xml:"-"`
	Digest  ManifestDigest `xml:"-"`
}

// newSelection builds a selection from a solved candidate. Commands
// are added separately, as they are requested.
func newSelection(iface string, c *SelectionCandidate) *ImplementationSelection {
	impl := c.Implementation
	sel := &ImplementationSelection{
		InterfaceURI:    iface,
		ID:              impl.ID,
		VersionString:   impl.VersionString,
		FromFeed:        c.FeedID,
		Arch:            impl.Arch,
		StabilityString: impl.StabilityString,
		LocalPath:       impl.LocalPath,
		Archives:        impl.Archives,
		Requires:        impl.Requires,
		Restricts:       impl.Restricts,
		Bindings:        impl.Bindings,
		Version:         impl.Version,
		Digest:          impl.Digest,
	}
	if !impl.Digest.IsEmpty() {
		sel.DigestElement = &manifestDigestElement{
			Sha1New:   impl.Digest.Get(AlgoSha1New),
			Sha256:    impl.Digest.Get(AlgoSha256),
			Sha256New: impl.Digest.Get(AlgoSha256New),
		}
	}
	return sel
}

// Command returns the selection's command with the given name, or nil.
func (sel *ImplementationSelection) Command(name string) *Command {
	for i := range sel.Commands {
		if sel.Commands[i].Name == name {
			return &sel.Commands[i]
		}
	}
	return nil
}

// Selection returns the selection for the given interface, or nil.
// No two selections share an interface URI.
func (s *Selections) Selection(uri string) *ImplementationSelection {
	for _, sel := range s.Selections {
		if sel.InterfaceURI == uri {
			return sel
		}
	}
	return nil
}

// CommandChain returns the root command followed by the commands of
// each runner in turn.
func (s *Selections) CommandChain() []*Command {
	var chain []*Command
	uri := s.InterfaceURI
	name := s.Command
	for name != "" {
		sel := s.Selection(uri)
		if sel == nil {
			break
		}
		cmd := sel.Command(name)
		if cmd == nil {
			break
		}
		chain = append(chain, cmd)
		if cmd.Runner == nil {
			break
		}
		uri = cmd.Runner.Interface
		name = cmd.Runner.Command
		if name == "" {
			name = DefaultCommand
		}
	}
	return chain
}

// ImplementationPath locates the selection's directory: its local path
// if it has one, otherwise its store entry.
func (sel *ImplementationSelection) ImplementationPath(store Store) (string, error) {
	if sel.LocalPath != "" {
		return sel.LocalPath, nil
	}
	return store.GetPath(sel.Digest)
}

// ToXML renders the canonical XML form.
func (s *Selections) ToXML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	encoder := xml.NewEncoder(&buf)
	encoder.Indent("", "  ")
	if err := encoder.Encode(s); err != nil {
		return nil, err
	}
	if err := encoder.Flush(); err != nil {
		return nil, err
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// WriteToFile writes the document, leaving the file untouched when the
// content is unchanged.
func (s *Selections) WriteToFile(path string) error {
	b, err := s.ToXML()
	if err != nil {
		return err
	}
	return writeFileIfChanged(path, b)
}

// ParseSelections reads a selections document back.
func ParseSelections(b []byte, ui UI) (*Selections, error) {
	var result Selections
	if err := xml.Unmarshal(b, &result); err != nil {
		return nil, ui.ReportError("Failed to parse selections: %v", err)
	}
	for _, sel := range result.Selections {
		v, err := ParseVersion(sel.VersionString)
		if err != nil {
			return nil, ui.ReportError("Invalid version in selection '%s': '%s'", sel.InterfaceURI, sel.VersionString)
		}
		sel.Version = v
		if sel.DigestElement != nil {
			sel.Digest.Add(AlgoSha1New, sel.DigestElement.Sha1New)
			sel.Digest.Add(AlgoSha256, sel.DigestElement.Sha256)
			sel.Digest.Add(AlgoSha256New, sel.DigestElement.Sha256New)
		}
	}
	return &result, nil
}

// ReadSelectionsFile loads a selections document from disk.
func ReadSelectionsFile(path string, ui UI) (*Selections, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSelections(b, ui)
}

// Equal is structural equality: both documents select the same
// implementations for the same interfaces in the same order.
func (s *Selections) Equal(other *Selections) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, errA := s.ToXML()
	b, errB := other.ToXML()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
