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
	"errors"
	"fmt"
	"sort"

	"github.com/zeroinstall/zpkg/pkg/set"
)

// Solver picks one implementation per interface such that every
// version constraint, architecture restriction and inter-interface
// restriction holds. It is a depth-first backtracking search with
// forward checking; candidates are tried in the enumerator's
// preference order, so the first feasible assignment found is the
// preferred one.
//
// A Solver runs one solve at a time on the caller's goroutine;
// cancellation goes through the context and surfaces unchanged.
type Solver struct {
	enumerator    *CandidateEnumerator
	ui            UI
	printedErrors set.String
}

func NewSolver(enumerator *CandidateEnumerator, ui UI) *Solver {
	return &Solver{
		enumerator: enumerator,
		ui:         ui,
	}
}

// solveRun is the state of one solve. Selections and restrictions grow
// monotonically along a search path and are trimmed to their previous
// lengths on backtrack.
type solveRun struct {
	solver *Solver
	req    Requirements

	selections   *Selections
	restrictions []activeRestriction

	// blocked collects, per interface, why candidates were rejected.
	// Only consulted when the whole solve fails.
	blocked map[string][]CandidateRejection
}

// activeRestriction is a version bound on some interface, contributed
// by an already-chosen implementation (or by the requirements).
type activeRestriction struct {
	iface string
	rang  VersionRange
}

// solveRequest asks for one interface, optionally with a command.
type solveRequest struct {
	iface   string
	command string
}

// Solve returns the selections satisfying req, or an
// *UnsatisfiableError listing what blocked progress. Context
// cancellation aborts the search and is returned unchanged.
func (s *Solver) Solve(ctx context.Context, req Requirements) (*Selections, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	run := &solveRun{
		solver: s,
		req:    req,
		selections: &Selections{
			InterfaceURI: req.InterfaceURI,
			Command:      req.Command,
		},
		blocked: map[string][]CandidateRejection{},
	}
	for uri, rang := range req.ExtraRestrictions {
		run.restrictions = append(run.restrictions, activeRestriction{iface: uri, rang: rang})
	}

	ok, err := run.tryToSolve(ctx, solveRequest{iface: req.InterfaceURI, command: req.Command})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, run.unsatisfiable()
	}
	return run.selections, nil
}

func (r *solveRun) unsatisfiable() *UnsatisfiableError {
	result := &UnsatisfiableError{}
	for _, iface := range sortedKeys(r.blocked) {
		result.Interfaces = append(result.Interfaces, BlockedInterface{
			InterfaceURI: iface,
			Rejections:   r.blocked[iface],
		})
	}
	return result
}

func sortedKeys(m map[string][]CandidateRejection) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *solveRun) reject(iface string, c *SelectionCandidate, reason string) {
	r.blocked[iface] = append(r.blocked[iface], CandidateRejection{
		ID:      c.Implementation.ID,
		Version: c.Implementation.VersionString,
		Reason:  reason,
	})
}

// restrictionRangeFor intersects every active restriction on iface.
func (r *solveRun) restrictionRangeFor(iface string) VersionRange {
	rang := AnyVersion
	for _, restriction := range r.restrictions {
		if restriction.iface == iface {
			rang = rang.Intersect(restriction.rang)
		}
	}
	return rang
}

// violatesSelected reports whether the candidate's own restrictions
// contradict an implementation that is already selected.
func (r *solveRun) violatesSelected(impl *Implementation) (string, bool) {
	for _, restriction := range implRestrictions(impl) {
		selected := r.selections.Selection(restriction.iface)
		if selected == nil {
			continue
		}
		if !restriction.rang.Contains(selected.Version) {
			return selected.InterfaceURI, true
		}
	}
	return "", false
}

// implRestrictions gathers the restrictions an implementation would
// contribute when selected: its restricts elements plus the version
// bounds of its dependencies.
func implRestrictions(impl *Implementation) []activeRestriction {
	var result []activeRestriction
	for _, restriction := range impl.Restricts {
		rang, err := restriction.Range()
		if err != nil {
			continue
		}
		result = append(result, activeRestriction{iface: restriction.Interface, rang: rang})
	}
	for _, dep := range impl.Requires {
		result = append(result, dependencyRestrictions(dep)...)
	}
	return result
}

// commandRestrictions are contributed when a command is added to a
// selection.
func commandRestrictions(cmd *Command) []activeRestriction {
	var result []activeRestriction
	for _, restriction := range cmd.Restricts {
		rang, err := restriction.Range()
		if err != nil {
			continue
		}
		result = append(result, activeRestriction{iface: restriction.Interface, rang: rang})
	}
	for _, dep := range cmd.Requires {
		result = append(result, dependencyRestrictions(dep)...)
	}
	return result
}

func dependencyRestrictions(dep Dependency) []activeRestriction {
	var result []activeRestriction
	if dep.Versions != "" {
		if rang, err := ParseVersionRange(dep.Versions); err == nil {
			result = append(result, activeRestriction{iface: dep.Interface, rang: rang})
		}
	}
	for _, restriction := range dep.Restricts {
		if rang, err := restriction.Range(); err == nil {
			result = append(result, activeRestriction{iface: restriction.Interface, rang: rang})
		}
	}
	return result
}

// tryToSolve is the recursive step: pick an implementation for one
// interface, then solve the chosen command's runner and all
// dependencies. On failure the state is exactly as before the call.
func (r *solveRun) tryToSolve(ctx context.Context, request solveRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	candidates, err := r.solver.enumerator.Candidates(ctx, r.req, request.iface)
	if err != nil {
		if errors.Is(err, ErrFeedUnavailable) || errors.Is(err, ErrInvalidInterfaceURI) {
			// Recoverable per-interface: an alternative path through the
			// search space may avoid this interface entirely.
			r.blocked[request.iface] = append(r.blocked[request.iface], CandidateRejection{
				Reason: err.Error(),
			})
			r.reportOnce("Interface '%s': %v", request.iface, err)
			return false, nil
		}
		return false, err
	}

	suitable := r.suitableCandidates(request, candidates)

	// Re-entering an interface that already has a selection never
	// re-selects: the existing choice either fits this request too, or
	// this path fails. Constraints acquired later are not re-checked
	// against it beyond the suitable-set membership here.
	if existing := r.selections.Selection(request.iface); existing != nil {
		c := findCandidate(suitable, existing)
		if c == nil {
			return false, nil
		}
		return r.ensureCommand(ctx, request, existing, c)
	}

	for _, c := range suitable {
		ok, err := r.trySelect(ctx, request, c)
		if err != nil || ok {
			return ok, err
		}
	}
	if len(suitable) == 0 {
		r.reportOnce("No usable implementation of '%s' (constraint: %s)",
			request.iface, r.restrictionRangeFor(request.iface))
	}
	return false, nil
}

// suitableCandidates filters by the cached suitability verdict, the
// active restrictions and the forward check against already-selected
// implementations.
func (r *solveRun) suitableCandidates(request solveRequest, candidates []*SelectionCandidate) []*SelectionCandidate {
	rang := r.restrictionRangeFor(request.iface)
	var result []*SelectionCandidate
	for _, c := range candidates {
		if !c.IsSuitable() {
			r.reject(request.iface, c, c.RejectReason())
			continue
		}
		if !rang.Contains(c.Implementation.Version) {
			r.reject(request.iface, c, "version excluded by restrictions "+rang.String())
			continue
		}
		if request.command != "" && c.Implementation.Command(request.command) == nil {
			r.reject(request.iface, c, "no '"+request.command+"' command")
			continue
		}
		if conflict, bad := r.violatesSelected(c.Implementation); bad {
			r.reject(request.iface, c, "restricts already-selected '"+conflict+"'")
			continue
		}
		result = append(result, c)
	}
	return result
}

func findCandidate(candidates []*SelectionCandidate, sel *ImplementationSelection) *SelectionCandidate {
	for _, c := range candidates {
		if c.Implementation.ID == sel.ID && c.FeedID == sel.FromFeed {
			return c
		}
	}
	return nil
}

// trySelect commits to one candidate and recurses. It undoes
// everything it added when the subtree fails.
func (r *solveRun) trySelect(ctx context.Context, request solveRequest, c *SelectionCandidate) (bool, error) {
	selectionsLen := len(r.selections.Selections)
	restrictionsLen := len(r.restrictions)

	sel := newSelection(request.iface, c)
	r.selections.Selections = append(r.selections.Selections, sel)
	r.restrictions = append(r.restrictions, implRestrictions(c.Implementation)...)

	ok, err := r.solveBody(ctx, request, sel, c)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	r.selections.Selections = r.selections.Selections[:selectionsLen]
	r.restrictions = r.restrictions[:restrictionsLen]
	return false, nil
}

// solveBody solves the requested command (runner and command
// dependencies) and the implementation's own dependencies.
func (r *solveRun) solveBody(ctx context.Context, request solveRequest, sel *ImplementationSelection, c *SelectionCandidate) (bool, error) {
	if request.command != "" {
		ok, err := r.addCommand(ctx, sel, c, request.command)
		if err != nil || !ok {
			return ok, err
		}
	}
	return r.solveDependencies(ctx, c.Implementation.Requires)
}

// addCommand attaches a command to the selection and solves its runner
// and dependencies.
func (r *solveRun) addCommand(ctx context.Context, sel *ImplementationSelection, c *SelectionCandidate, name string) (bool, error) {
	cmd := c.Implementation.Command(name)
	if cmd == nil {
		return false, nil
	}
	sel.Commands = append(sel.Commands, *cmd)
	r.restrictions = append(r.restrictions, commandRestrictions(cmd)...)

	if cmd.Runner != nil {
		runnerCommand := cmd.Runner.Command
		if runnerCommand == "" {
			runnerCommand = DefaultCommand
		}
		ok, err := r.tryToSolve(ctx, solveRequest{iface: cmd.Runner.Interface, command: runnerCommand})
		if err != nil || !ok {
			return ok, err
		}
	}
	return r.solveDependencies(ctx, cmd.Requires)
}

// ensureCommand handles re-entry on an already-selected interface: the
// selection stays, but a command requested for the first time is still
// attached and its requirements solved.
func (r *solveRun) ensureCommand(ctx context.Context, request solveRequest, sel *ImplementationSelection, c *SelectionCandidate) (bool, error) {
	if request.command == "" || sel.Command(request.command) != nil {
		return true, nil
	}
	commandsLen := len(sel.Commands)
	restrictionsLen := len(r.restrictions)
	selectionsLen := len(r.selections.Selections)
	ok, err := r.addCommand(ctx, sel, c, request.command)
	if err != nil {
		return false, err
	}
	if !ok {
		sel.Commands = sel.Commands[:commandsLen]
		r.restrictions = r.restrictions[:restrictionsLen]
		r.selections.Selections = r.selections.Selections[:selectionsLen]
	}
	return ok, nil
}

// solveDependencies solves deps in the canonical order: restricting
// dependencies first so conflicts surface before deeper work is
// committed, then dependencies carrying bindings, then the rest.
// The sort is stable, so ties keep document order.
func (r *solveRun) solveDependencies(ctx context.Context, deps []Dependency) (bool, error) {
	ordered := append([]Dependency{}, deps...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return depSortKey(ordered[i]) < depSortKey(ordered[j])
	})
	for _, dep := range ordered {
		ok, err := r.tryToSolve(ctx, solveRequest{iface: dep.Interface})
		if err != nil {
			return false, err
		}
		if !ok {
			if !dep.IsEssential() {
				continue
			}
			return false, nil
		}
	}
	return true, nil
}

func depSortKey(dep Dependency) int {
	if dep.Versions != "" || len(dep.Restricts) > 0 {
		return 0
	}
	if len(dep.Bindings) > 0 {
		return 1
	}
	return 2
}

func (r *solveRun) reportOnce(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	if r.solver.printedErrors.Contains(msg) {
		return
	}
	r.solver.printedErrors.Add(msg)
	r.solver.ui.ReportWarning("%s", msg)
}
