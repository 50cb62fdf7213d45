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
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ifaceURI(name string) string {
	return "https://test.example/" + name + ".xml"
}

// mkImpl builds a locally available, stable implementation. Each dep is
// "name" or "name range", e.g. "b 1..!2".
func mkImpl(id string, versionStr string, deps ...string) *Implementation {
	impl := &Implementation{
		ID:              id,
		VersionString:   versionStr,
		StabilityString: "stable",
		LocalPath:       "/impl/" + id,
		Commands:        []Command{{Name: "run", Path: "bin/app"}},
	}
	for _, dep := range deps {
		parts := strings.SplitN(dep, " ", 2)
		d := Dependency{Interface: ifaceURI(parts[0])}
		if len(parts) == 2 {
			d.Versions = parts[1]
		}
		impl.Requires = append(impl.Requires, d)
	}
	return impl
}

func mkFeed(name string, impls ...*Implementation) *Feed {
	return &Feed{
		URI:             ifaceURI(name),
		Name:            name,
		Implementations: impls,
	}
}

func validateFeeds(t *testing.T, feeds ...*Feed) *MemoryFeedProvider {
	t.Helper()
	ui := &testUI{}
	provider := NewMemoryFeedProvider()
	for _, feed := range feeds {
		require.NoError(t, feed.validate(ui), feed.URI)
		provider.Add(feed)
	}
	return provider
}

func newTestSolver(provider FeedProvider, prefs PreferencesStore, ui UI) *Solver {
	enumerator := NewCandidateEnumerator(provider, nil, prefs, DefaultConfig(), nil, ui)
	return NewSolver(enumerator, ui)
}

func solveUI(t *testing.T, provider FeedProvider, req Requirements, prefs PreferencesStore) (*Selections, error, *testUI) {
	t.Helper()
	ui := &testUI{}
	solver := newTestSolver(provider, prefs, ui)
	selections, err := solver.Solve(context.Background(), req)
	return selections, err, ui
}

func findSolution(t *testing.T, provider FeedProvider, req Requirements) *Selections {
	t.Helper()
	selections, err, _ := solveUI(t, provider, req, nil)
	require.NoError(t, err)
	require.NotNil(t, selections)
	return selections
}

// checkSolution asserts the selected version of each "name version"
// pair and that nothing else was selected.
func checkSolution(t *testing.T, selections *Selections, expected ...string) {
	t.Helper()
	require.Len(t, selections.Selections, len(expected))
	for _, entry := range expected {
		parts := strings.SplitN(entry, " ", 2)
		sel := selections.Selection(ifaceURI(parts[0]))
		require.NotNil(t, sel, entry)
		assert.Equal(t, parts[1], sel.VersionString, entry)
	}
}

func Test_Solver(t *testing.T) {
	t.Run("Architecture filter", func(t *testing.T) {
		a1 := mkImpl("a1", "1.0")
		a1.Arch = "Linux-i386"
		a2 := mkImpl("a2", "2.0")
		a2.Arch = "Linux-x86_64"
		provider := validateFeeds(t, mkFeed("a", a1, a2))

		req := NewRequirements(ifaceURI("a"))
		req.Architecture = Architecture{OS: OSLinux, CPU: CPUI486}
		solution := findSolution(t, provider, req)
		checkSolution(t, solution, "a 1.0")
	})

	t.Run("Dependency constraint", func(t *testing.T) {
		x1 := mkImpl("x1", "1", "y 2..")
		y1 := mkImpl("y1", "1")
		y2 := mkImpl("y2", "2")
		provider := validateFeeds(t, mkFeed("x", x1), mkFeed("y", y1, y2))

		solution := findSolution(t, provider, NewRequirements(ifaceURI("x")))
		checkSolution(t, solution, "x 1", "y 2")
	})

	t.Run("Highest compatible", func(t *testing.T) {
		x1 := mkImpl("x1", "1", "y 1..!2")
		x2 := mkImpl("x2", "2", "y 2..!3")
		y1 := mkImpl("y1", "1")
		y2 := mkImpl("y2", "2")
		provider := validateFeeds(t, mkFeed("x", x1, x2), mkFeed("y", y1, y2))

		solution := findSolution(t, provider, NewRequirements(ifaceURI("x")))
		checkSolution(t, solution, "x 2", "y 2")
	})

	t.Run("Backtrack", func(t *testing.T) {
		x1 := mkImpl("x1", "1", "y 1..!2")
		x2 := mkImpl("x2", "2", "y 2..!3")
		y1 := mkImpl("y1", "1")
		provider := validateFeeds(t, mkFeed("x", x1, x2), mkFeed("y", y1))

		// x2 is tried first, fails on y, and the solver backtracks.
		solution := findSolution(t, provider, NewRequirements(ifaceURI("x")))
		checkSolution(t, solution, "x 1", "y 1")
	})

	t.Run("Transitive", func(t *testing.T) {
		a := mkImpl("a1", "1.7.0", "b 1..!2")
		b := mkImpl("b1", "1.1.0", "c 2..!3.1.2")
		c := mkImpl("c1", "2.0.5")
		provider := validateFeeds(t, mkFeed("a", a), mkFeed("b", b), mkFeed("c", c))

		solution := findSolution(t, provider, NewRequirements(ifaceURI("a")))
		checkSolution(t, solution, "a 1.7.0", "b 1.1.0", "c 2.0.5")
	})

	t.Run("Cycle", func(t *testing.T) {
		a := mkImpl("a1", "1", "b 1..")
		b := mkImpl("b1", "1", "a 1..")
		provider := validateFeeds(t, mkFeed("a", a), mkFeed("b", b))

		solution := findSolution(t, provider, NewRequirements(ifaceURI("a")))
		checkSolution(t, solution, "a 1", "b 1")
	})

	t.Run("Restriction ordering", func(t *testing.T) {
		a := mkImpl("a1", "1", "b", "c 1..")
		b1 := mkImpl("b1", "1")
		b2 := mkImpl("b2", "2")
		c := mkImpl("c1", "1")
		c.Restricts = []Restriction{{Interface: ifaceURI("b"), Versions: "..!2"}}
		provider := validateFeeds(t, mkFeed("a", a), mkFeed("b", b1, b2), mkFeed("c", c))

		solution := findSolution(t, provider, NewRequirements(ifaceURI("a")))
		checkSolution(t, solution, "a 1", "b 1", "c 1")

		// Restricting dependencies are committed first, so the document
		// order is a, c, b.
		require.Len(t, solution.Selections, 3)
		assert.Equal(t, ifaceURI("a"), solution.Selections[0].InterfaceURI)
		assert.Equal(t, ifaceURI("c"), solution.Selections[1].InterfaceURI)
		assert.Equal(t, ifaceURI("b"), solution.Selections[2].InterfaceURI)
	})

	t.Run("Conflicting essentials", func(t *testing.T) {
		a := mkImpl("a1", "1", "b 1..", "c 1..")
		b := mkImpl("b1", "1", "d 1..!2")
		c := mkImpl("c1", "1", "d 2..!3")
		d1 := mkImpl("d1", "1")
		d2 := mkImpl("d2", "2")
		provider := validateFeeds(t,
			mkFeed("a", a), mkFeed("b", b), mkFeed("c", c), mkFeed("d", d1, d2))

		_, err, _ := solveUI(t, provider, NewRequirements(ifaceURI("a")), nil)
		var unsat *UnsatisfiableError
		require.ErrorAs(t, err, &unsat)
	})

	t.Run("Recommended dependency may fail", func(t *testing.T) {
		a := mkImpl("a1", "1")
		a.Requires = []Dependency{{
			Interface:  ifaceURI("missing"),
			Importance: "recommended",
		}}
		provider := validateFeeds(t, mkFeed("a", a))

		solution := findSolution(t, provider, NewRequirements(ifaceURI("a")))
		checkSolution(t, solution, "a 1")
	})

	t.Run("Unsatisfiable reports rejections", func(t *testing.T) {
		a := mkImpl("a1", "1", "b 3..")
		b := mkImpl("b1", "2.3.4")
		provider := validateFeeds(t, mkFeed("a", a), mkFeed("b", b))

		_, err, ui := solveUI(t, provider, NewRequirements(ifaceURI("a")), nil)
		var unsat *UnsatisfiableError
		require.ErrorAs(t, err, &unsat)
		require.NotEmpty(t, unsat.Interfaces)
		found := false
		for _, blocked := range unsat.Interfaces {
			if blocked.InterfaceURI == ifaceURI("b") {
				found = true
				require.NotEmpty(t, blocked.Rejections)
				assert.Contains(t, blocked.Rejections[0].Reason, "excluded by restrictions")
			}
		}
		assert.True(t, found)
		assert.NotEmpty(t, ui.messages)
	})

	t.Run("Missing feed is recoverable per-interface", func(t *testing.T) {
		a := mkImpl("a1", "1", "b 1..")
		provider := validateFeeds(t, mkFeed("a", a))

		_, err, ui := solveUI(t, provider, NewRequirements(ifaceURI("a")), nil)
		var unsat *UnsatisfiableError
		require.ErrorAs(t, err, &unsat)
		require.Len(t, ui.messages, 1)
		assert.Contains(t, ui.messages[0], "feed unavailable")
	})

	t.Run("Missing root command", func(t *testing.T) {
		a := mkImpl("a1", "1")
		a.Commands = nil
		provider := validateFeeds(t, mkFeed("a", a))

		_, err, _ := solveUI(t, provider, NewRequirements(ifaceURI("a")), nil)
		var unsat *UnsatisfiableError
		require.ErrorAs(t, err, &unsat)
	})

	t.Run("No command requested", func(t *testing.T) {
		a := mkImpl("a1", "1")
		a.Commands = nil
		provider := validateFeeds(t, mkFeed("a", a))

		req := NewRequirements(ifaceURI("a"))
		req.Command = ""
		solution := findSolution(t, provider, req)
		checkSolution(t, solution, "a 1")
	})

	t.Run("Preferred override", func(t *testing.T) {
		a := mkImpl("a1", "1", "b 1..")
		b1 := mkImpl("b1", "1.1.0")
		b2 := mkImpl("b2", "1.2.0")
		provider := validateFeeds(t, mkFeed("a", a), mkFeed("b", b1, b2))

		prefs := &Preferences{
			Interfaces: []InterfacePreferences{{
				URI: ifaceURI("b"),
				Implementations: []ImplementationPreference{
					{ID: "b1", UserStability: "preferred"},
				},
			}},
		}
		selections, err, _ := solveUI(t, provider, NewRequirements(ifaceURI("a")), prefs)
		require.NoError(t, err)
		checkSolution(t, selections, "a 1", "b 1.1.0")
	})

	t.Run("Banned implementation", func(t *testing.T) {
		a := mkImpl("a1", "1", "b 1..")
		b1 := mkImpl("b1", "1.1.0")
		b2 := mkImpl("b2", "1.2.0")
		provider := validateFeeds(t, mkFeed("a", a), mkFeed("b", b1, b2))

		prefs := &Preferences{
			Interfaces: []InterfacePreferences{{
				URI: ifaceURI("b"),
				Implementations: []ImplementationPreference{
					{ID: "b2", Banned: true},
				},
			}},
		}
		selections, err, _ := solveUI(t, provider, NewRequirements(ifaceURI("a")), prefs)
		require.NoError(t, err)
		checkSolution(t, selections, "a 1", "b 1.1.0")
	})

	t.Run("Determinism", func(t *testing.T) {
		x1 := mkImpl("x1", "1", "y 1..!2")
		x2 := mkImpl("x2", "2", "y 2..!3")
		y1 := mkImpl("y1", "1")
		y2 := mkImpl("y2", "2")
		feeds := func() *MemoryFeedProvider {
			return validateFeeds(t, mkFeed("x", x1, x2), mkFeed("y", y1, y2))
		}

		first := findSolution(t, feeds(), NewRequirements(ifaceURI("x")))
		second := findSolution(t, feeds(), NewRequirements(ifaceURI("x")))
		assert.True(t, first.Equal(second))
	})

	t.Run("Monotonicity", func(t *testing.T) {
		x1 := mkImpl("x1", "1", "y 2..")
		y1 := mkImpl("y1", "1")
		y2 := mkImpl("y2", "2")
		provider := validateFeeds(t, mkFeed("x", x1), mkFeed("y", y1, y2))

		base := findSolution(t, provider, NewRequirements(ifaceURI("x")))

		// Adding a constraint the solution already satisfies changes
		// nothing.
		narrowed := NewRequirements(ifaceURI("x"))
		narrowed.ExtraRestrictions = map[string]VersionRange{
			ifaceURI("y"): mustRange(t, "2.."),
		}
		again := findSolution(t, provider, narrowed)
		assert.True(t, base.Equal(again))
	})

	t.Run("Soundness", func(t *testing.T) {
		x1 := mkImpl("x1", "1", "y 1..!2")
		x2 := mkImpl("x2", "2", "y 2..!3")
		y1 := mkImpl("y1", "1")
		y2 := mkImpl("y2", "2")
		provider := validateFeeds(t, mkFeed("x", x1, x2), mkFeed("y", y1, y2))

		solution := findSolution(t, provider, NewRequirements(ifaceURI("x")))
		for _, sel := range solution.Selections {
			for _, dep := range sel.Requires {
				target := solution.Selection(dep.Interface)
				require.NotNil(t, target, dep.Interface)
				if dep.Versions == "" {
					continue
				}
				rang := mustRange(t, dep.Versions)
				assert.True(t, rang.Contains(target.Version),
					"%s -> %s %s", sel.InterfaceURI, dep.Interface, dep.Versions)
			}
		}
	})

	t.Run("Cancellation", func(t *testing.T) {
		a := mkImpl("a1", "1")
		provider := validateFeeds(t, mkFeed("a", a))
		solver := newTestSolver(provider, nil, &testUI{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := solver.Solve(ctx, NewRequirements(ifaceURI("a")))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Invalid root interface", func(t *testing.T) {
		provider := NewMemoryFeedProvider()
		solver := newTestSolver(provider, nil, &testUI{})
		_, err := solver.Solve(context.Background(), NewRequirements("not-a-uri"))
		assert.ErrorIs(t, err, ErrInvalidInterfaceURI)
	})
}

func mustRange(t *testing.T, str string) VersionRange {
	t.Helper()
	r, err := ParseVersionRange(str)
	require.NoError(t, err)
	return r
}

func Test_SolverRunnerChain(t *testing.T) {
	app := mkImpl("app1", "1")
	app.Commands = []Command{{
		Name: "run",
		Path: "app.py",
		Runner: &Runner{
			Interface: ifaceURI("python"),
		},
	}}
	python := mkImpl("py1", "3.11")
	provider := validateFeeds(t, mkFeed("app", app), mkFeed("python", python))

	solution := findSolution(t, provider, NewRequirements(ifaceURI("app")))
	checkSolution(t, solution, "app 1", "python 3.11")

	chain := solution.CommandChain()
	require.Len(t, chain, 2)
	assert.Equal(t, "app.py", chain[0].Path)
	assert.Equal(t, "bin/app", chain[1].Path)

	// The runner's selection carries the command that will execute the
	// root.
	pySel := solution.Selection(ifaceURI("python"))
	require.NotNil(t, pySel)
	require.NotNil(t, pySel.Command("run"))
}
