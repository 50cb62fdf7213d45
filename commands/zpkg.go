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

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/hashicorp/go-version"
	"github.com/spf13/cobra"
	"github.com/zeroinstall/zpkg/pkg/feedurl"
	"github.com/zeroinstall/zpkg/pkg/set"
	"github.com/zeroinstall/zpkg/pkg/zpkg"
)

// ConfigStore loads and persists the user configuration.
type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Store(ctx context.Context, cfg *Config) error
}

// Config is everything the commands need to construct stores, feed
// providers and the solver.
type Config struct {
	// StorePaths are the implementation store roots, first one
	// writable.
	StorePaths []string
	// FeedCachePath holds downloaded feed XML.
	FeedCachePath string
	// MirrorCachePath holds git mirror checkouts.
	MirrorCachePath string
	// PreferencesPath is the user preferences file.
	PreferencesPath string

	// InjectorVersion gates implementations with a
	// min-injector-version. May be nil, in which case all
	// implementations are acceptable.
	InjectorVersion *version.Version

	Network         zpkg.NetworkUse
	Freshness       time.Duration
	HelpWithTesting bool

	// The following entry must be `nil` if it is not set in the
	// configuration.
	// Note that viper changes empty lists to `nil` so it's important to
	// check for that case.
	Mirrors zpkg.MirrorConfigs
}

var defaultMirror = zpkg.MirrorConfig{
	Name: "zero-install",
	URL:  "github.com/0install/feeds",
}

type CobraCommand func(cmd *cobra.Command, args []string)
type CobraErrorCommand func(cmd *cobra.Command, args []string) error
type Run func(CobraErrorCommand) CobraCommand

type zpkgHandler struct {
	cfg      *Config
	cfgStore ConfigStore
	ui       zpkg.UI
}

var zpkgUI = zpkg.FmtUI

func (h *zpkgHandler) coreConfig() *zpkg.Config {
	cfg := zpkg.DefaultConfig()
	if h.cfg.Network.IsValid() {
		cfg.Network = h.cfg.Network
	}
	if h.cfg.Freshness != 0 {
		cfg.Freshness = h.cfg.Freshness
	}
	cfg.HelpWithTesting = h.cfg.HelpWithTesting
	return cfg
}

func (h *zpkgHandler) getMirrorConfigsOrDefault() zpkg.MirrorConfigs {
	if h.cfg.Mirrors != nil {
		return h.cfg.Mirrors
	}
	return zpkg.MirrorConfigs{defaultMirror}
}

// buildStore assembles the store chain: the first configured path is
// the writable store, later ones are scanned read-only.
func (h *zpkgHandler) buildStore() (zpkg.Store, error) {
	if len(h.cfg.StorePaths) == 0 {
		return nil, h.ui.ReportError("No store path configured")
	}
	var stores []zpkg.Store
	for _, p := range h.cfg.StorePaths {
		store, err := zpkg.NewDirectoryStore(p, h.ui)
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	return zpkg.NewCompositeStore(stores...), nil
}

func (h *zpkgHandler) buildSolver(cmd *cobra.Command) (*zpkg.Solver, zpkg.Store, error) {
	ctx := cmd.Context()
	store, err := h.buildStore()
	if err != nil {
		return nil, nil, err
	}
	shouldSync, err := cmd.Flags().GetBool("sync")
	if err != nil {
		return nil, nil, err
	}
	catalogs, err := h.getMirrorConfigsOrDefault().Load(ctx, shouldSync, h.cfg.MirrorCachePath, h.ui)
	if err != nil {
		return nil, nil, err
	}
	prefs, err := zpkg.ReadPreferences(h.cfg.PreferencesPath, h.ui)
	if err != nil {
		return nil, nil, err
	}
	coreConfig := h.coreConfig()
	cache := zpkg.NewFeedCache(h.cfg.FeedCachePath, h.ui)
	provider := zpkg.NewProvider(cache, catalogs, coreConfig, h.ui)
	enumerator := zpkg.NewCandidateEnumerator(provider, store, prefs, coreConfig, h.cfg.InjectorVersion, h.ui)
	return zpkg.NewSolver(enumerator, h.ui), store, nil
}

func requirementsFromFlags(cmd *cobra.Command, uri string) (zpkg.Requirements, error) {
	req := zpkg.NewRequirements(uri)
	commandName, err := cmd.Flags().GetString("command")
	if err != nil {
		return req, err
	}
	req.Command = commandName
	osName, err := cmd.Flags().GetString("os")
	if err != nil {
		return req, err
	}
	cpuName, err := cmd.Flags().GetString("cpu")
	if err != nil {
		return req, err
	}
	if osName != "" {
		req.Architecture.OS = zpkg.OS(osName)
	}
	if cpuName != "" {
		req.Architecture.CPU = zpkg.CPU(cpuName)
	}
	notBefore, err := cmd.Flags().GetString("not-before")
	if err != nil {
		return req, err
	}
	before, err := cmd.Flags().GetString("before")
	if err != nil {
		return req, err
	}
	if notBefore != "" || before != "" {
		var lo, hi zpkg.Version
		if notBefore != "" {
			if lo, err = zpkg.ParseVersion(notBefore); err != nil {
				return req, err
			}
		}
		if before != "" {
			if hi, err = zpkg.ParseVersion(before); err != nil {
				return req, err
			}
		}
		req.ExtraRestrictions = map[string]zpkg.VersionRange{
			uri: zpkg.NewConstraint(lo, hi),
		}
	}
	return req, nil
}

// Zpkg builds the command tree.
func Zpkg(run Run, configStore ConfigStore, ui zpkg.UI) (*cobra.Command, error) {
	if ui == nil {
		ui = zpkgUI
	}

	handler := &zpkgHandler{
		cfgStore: configStore,
		ui:       ui,
	}

	// 1. Loads the config before invoking the command.
	// 2. Intercepts any error and checks if it is an already-reported error.
	//    If it is, replaces it with a silent error.
	//    Otherwise returns it to the caller.
	// 3. Wraps the call into the given 'run' function.
	errorCfgRun := func(f CobraErrorCommand) CobraCommand {
		return run(func(cmd *cobra.Command, args []string) error {
			if handler.cfg == nil {
				cfg, err := handler.cfgStore.Load(cmd.Context())
				if err != nil {
					return err
				}
				handler.cfg = cfg
			}

			err := f(cmd, args)

			if zpkg.IsErrAlreadyReported(err) {
				return newExitError(1)
			}
			return err
		})
	}

	cmd := &cobra.Command{
		Use:   "zpkg",
		Short: "Select, cache and verify application implementations",
	}
	cmd.PersistentFlags().Bool("sync", false, "synchronize feed mirrors first")

	selectCmd := &cobra.Command{
		Use:   "select <interface>",
		Short: "Selects an implementation for each required interface",
		Long: `Solves the given interface URI against the known feeds.

For every interface in the dependency graph one implementation is
chosen such that all version constraints, architecture restrictions
and inter-interface restrictions hold. The result is printed as a
selections document.`,
		Example: `  # Select the preferred implementations for an application.
  zpkg select https://example.com/app.xml

  # Pin the application below version 2.
  zpkg select --before 2 https://example.com/app.xml`,
		Run:  errorCfgRun(handler.zpkgSelect),
		Args: cobra.ExactArgs(1),
	}
	selectCmd.Flags().String("command", "run", "command to select")
	selectCmd.Flags().String("os", "", "target operating system")
	selectCmd.Flags().String("cpu", "", "target cpu")
	selectCmd.Flags().String("not-before", "", "lowest acceptable version of the interface")
	selectCmd.Flags().String("before", "", "lowest unacceptable version of the interface")
	selectCmd.Flags().StringP("output", "o", "", "write the selections to a file")
	selectCmd.Flags().Bool("show-hint", false, "print a launcher hint for the root command")
	cmd.AddCommand(selectCmd)

	downloadCmd := &cobra.Command{
		Use:   "download <interface>",
		Short: "Selects implementations and stages missing ones into the store",
		Long: `Like 'select', but also adds each selected implementation that is
not yet cached to the store, verifying its digest.

Only archives that are already local (absolute paths or file:// URLs
in the feed) can be staged; fetching over the network is the job of
the surrounding tooling.`,
		Run:  errorCfgRun(handler.zpkgDownload),
		Args: cobra.ExactArgs(1),
	}
	downloadCmd.Flags().String("command", "run", "command to select")
	downloadCmd.Flags().String("os", "", "target operating system")
	downloadCmd.Flags().String("cpu", "", "target cpu")
	downloadCmd.Flags().String("not-before", "", "lowest acceptable version of the interface")
	downloadCmd.Flags().String("before", "", "lowest unacceptable version of the interface")
	cmd.AddCommand(downloadCmd)

	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the implementation store",
	}
	cmd.AddCommand(storeCmd)

	storeAddCmd := &cobra.Command{
		Use:   "add <digest> <directory|archive...>",
		Short: "Adds a directory or archives to the store under the given digest",
		Run:   errorCfgRun(handler.storeAdd),
		Args:  cobra.MinimumNArgs(2),
	}
	storeAddCmd.Flags().String("extract", "", "sub-directory of the archive to extract")
	storeCmd.AddCommand(storeAddCmd)

	storeListCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists all store entries",
		Run:   errorCfgRun(handler.storeList),
		Args:  cobra.NoArgs,
	}
	storeCmd.AddCommand(storeListCmd)

	storePathCmd := &cobra.Command{
		Use:   "path <digest>",
		Short: "Prints the directory of a store entry",
		Run:   errorCfgRun(handler.storePath),
		Args:  cobra.ExactArgs(1),
	}
	storeCmd.AddCommand(storePathCmd)

	storeVerifyCmd := &cobra.Command{
		Use:   "verify <digest>",
		Short: "Checks that a store entry still matches its digest",
		Run:   errorCfgRun(handler.storeVerify),
		Args:  cobra.ExactArgs(1),
	}
	storeCmd.AddCommand(storeVerifyCmd)

	storeAuditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Verifies every entry in the store",
		Run:   errorCfgRun(handler.storeAudit),
		Args:  cobra.NoArgs,
	}
	storeCmd.AddCommand(storeAuditCmd)

	storeRemoveCmd := &cobra.Command{
		Use:   "remove <digest>",
		Short: "Removes an entry from the store",
		Run:   errorCfgRun(handler.storeRemove),
		Args:  cobra.ExactArgs(1),
	}
	storeCmd.AddCommand(storeRemoveCmd)

	storeOptimiseCmd := &cobra.Command{
		Use:   "optimise",
		Short: "Hardlinks identical files across store entries",
		Run:   errorCfgRun(handler.storeOptimise),
		Args:  cobra.NoArgs,
	}
	storeCmd.AddCommand(storeOptimiseCmd)

	storeManifestCmd := &cobra.Command{
		Use:   "manifest <directory> [algorithm]",
		Short: "Prints the manifest and digest of a directory",
		Run:   errorCfgRun(handler.storeManifest),
		Args:  cobra.RangeArgs(1, 2),
	}
	storeCmd.AddCommand(storeManifestCmd)

	storeServeCmd := &cobra.Command{
		Use:   "serve <socket>",
		Short: "Serves the store to unprivileged clients on a unix socket",
		Run:   errorCfgRun(handler.storeServe),
		Args:  cobra.ExactArgs(1),
	}
	storeCmd.AddCommand(storeServeCmd)

	feedsCmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage cached feeds and mirrors",
	}
	cmd.AddCommand(feedsCmd)

	feedsListCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the feeds known locally",
		Run:   errorCfgRun(handler.feedsList),
		Args:  cobra.NoArgs,
	}
	feedsCmd.AddCommand(feedsListCmd)

	feedsSyncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronizes the configured feed mirrors",
		Run:   errorCfgRun(handler.feedsSync),
		Args:  cobra.NoArgs,
	}
	feedsCmd.AddCommand(feedsSyncCmd)

	return cmd, nil
}

// feedsList prints every feed ID known locally: the flat feed cache
// plus the mirror catalogs.
func (h *zpkgHandler) feedsList(cmd *cobra.Command, args []string) error {
	known := set.String{}
	entries, err := os.ReadDir(h.cfg.FeedCachePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		feedID, err := feedurl.FromFlatName(entry.Name())
		if err != nil {
			continue
		}
		known.Add(feedID)
	}
	catalogs, err := h.getMirrorConfigsOrDefault().Load(cmd.Context(), false, h.cfg.MirrorCachePath, h.ui)
	if err != nil {
		return err
	}
	for _, catalog := range catalogs {
		known.Add(catalog.FeedIDs()...)
	}
	for _, feedID := range known.SortedValues() {
		fmt.Println(feedID)
	}
	return nil
}

func (h *zpkgHandler) feedsSync(cmd *cobra.Command, args []string) error {
	_, err := h.getMirrorConfigsOrDefault().Load(cmd.Context(), true, h.cfg.MirrorCachePath, h.ui)
	if err != nil {
		return err
	}
	h.ui.ReportInfo("Mirrors synchronized")
	return nil
}

func (h *zpkgHandler) zpkgSelect(cmd *cobra.Command, args []string) error {
	solver, store, err := h.buildSolver(cmd)
	if err != nil {
		return err
	}
	req, err := requirementsFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	selections, err := solver.Solve(cmd.Context(), req)
	if err != nil {
		return err
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	if output != "" {
		if err := selections.WriteToFile(output); err != nil {
			return err
		}
	} else {
		b, err := selections.ToXML()
		if err != nil {
			return err
		}
		fmt.Print(string(b))
	}
	showHint, err := cmd.Flags().GetBool("show-hint")
	if err != nil {
		return err
	}
	if showHint {
		h.printLaunchHint(selections, store)
	}
	return nil
}

// printLaunchHint shows how the executor would start the root command,
// as a copy-pasteable shell line.
func (h *zpkgHandler) printLaunchHint(selections *zpkg.Selections, store zpkg.Store) {
	chain := selections.CommandChain()
	if len(chain) == 0 {
		return
	}
	sel := selections.Selection(selections.InterfaceURI)
	if sel == nil {
		return
	}
	implPath, err := sel.ImplementationPath(store)
	if err != nil {
		h.ui.ReportInfo("Root implementation is not cached yet; no launch hint")
		return
	}
	cmd := chain[0]
	parts := []string{filepath.Join(implPath, filepath.FromSlash(cmd.Path))}
	parts = append(parts, cmd.Args...)
	h.ui.ReportInfo("Launch hint: %s", shellescape.QuoteCommand(parts))
}

func (h *zpkgHandler) zpkgDownload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	solver, store, err := h.buildSolver(cmd)
	if err != nil {
		return err
	}
	req, err := requirementsFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	selections, err := solver.Solve(ctx, req)
	if err != nil {
		return err
	}
	for _, sel := range selections.Selections {
		if sel.LocalPath != "" || sel.Digest.IsEmpty() || store.Contains(sel.Digest) {
			continue
		}
		archives, err := localArchives(sel)
		if err != nil {
			return h.ui.ReportError("Cannot stage '%s': %v", sel.InterfaceURI, err)
		}
		if err := store.AddArchives(ctx, archives, sel.Digest); err != nil {
			return err
		}
		h.ui.ReportInfo("Added %s %s to the store", sel.InterfaceURI, sel.VersionString)
	}
	return nil
}

// localArchives maps a selection's retrieval methods onto local
// archive files, for feeds whose archives are paths or file:// URLs.
func localArchives(sel *zpkg.ImplementationSelection) ([]zpkg.Archive, error) {
	var result []zpkg.Archive
	for _, archive := range sel.Archives {
		href := strings.TrimPrefix(archive.Href, "file://")
		if !filepath.IsAbs(href) {
			return nil, fmt.Errorf("archive '%s' is not local", archive.Href)
		}
		result = append(result, zpkg.Archive{
			Path:     href,
			MimeType: archive.Type,
			Extract:  archive.Extract,
			Dest:     archive.Dest,
		})
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no local retrieval method")
	}
	return result, nil
}

func (h *zpkgHandler) storeAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := h.buildStore()
	if err != nil {
		return err
	}
	digest, err := zpkg.NewManifestDigest(args[0])
	if err != nil {
		return err
	}
	extract, err := cmd.Flags().GetString("extract")
	if err != nil {
		return err
	}

	first := args[1]
	if info, err := os.Stat(first); err == nil && info.IsDir() {
		if len(args) != 2 {
			return h.ui.ReportError("Only one directory can be added at a time")
		}
		if err := store.AddDirectory(ctx, first, digest); err != nil {
			return err
		}
	} else {
		var archives []zpkg.Archive
		for _, p := range args[1:] {
			archives = append(archives, zpkg.Archive{Path: p, Extract: extract})
		}
		if err := store.AddArchives(ctx, archives, digest); err != nil {
			return err
		}
	}
	h.ui.ReportInfo("Added %s", args[0])
	return nil
}

func (h *zpkgHandler) storeList(cmd *cobra.Command, args []string) error {
	store, err := h.buildStore()
	if err != nil {
		return err
	}
	digests, err := store.ListAll()
	if err != nil {
		return err
	}
	var entries []string
	for _, digest := range digests {
		entries = append(entries, digest.Entries()...)
	}
	sort.Strings(entries)
	for _, entry := range entries {
		fmt.Println(entry)
	}
	return nil
}

func (h *zpkgHandler) storePath(cmd *cobra.Command, args []string) error {
	store, err := h.buildStore()
	if err != nil {
		return err
	}
	digest, err := zpkg.NewManifestDigest(args[0])
	if err != nil {
		return err
	}
	p, err := store.GetPath(digest)
	if err != nil {
		return err
	}
	fmt.Println(p)
	return nil
}

func (h *zpkgHandler) storeVerify(cmd *cobra.Command, args []string) error {
	store, err := h.buildStore()
	if err != nil {
		return err
	}
	digest, err := zpkg.NewManifestDigest(args[0])
	if err != nil {
		return err
	}
	if err := store.Verify(cmd.Context(), digest); err != nil {
		return err
	}
	h.ui.ReportInfo("%s is valid", args[0])
	return nil
}

func (h *zpkgHandler) storeAudit(cmd *cobra.Command, args []string) error {
	store, err := h.buildStore()
	if err != nil {
		return err
	}
	digests, err := store.ListAll()
	if err != nil {
		return err
	}
	bad := 0
	for _, digest := range digests {
		if err := store.Verify(cmd.Context(), digest); err != nil {
			if _, ok := err.(*zpkg.DigestMismatchError); !ok {
				return err
			}
			bad++
		}
	}
	if bad != 0 {
		return h.ui.ReportError("%d corrupt store entries", bad)
	}
	h.ui.ReportInfo("All %d entries are valid", len(digests))
	return nil
}

func (h *zpkgHandler) storeRemove(cmd *cobra.Command, args []string) error {
	store, err := h.buildStore()
	if err != nil {
		return err
	}
	digest, err := zpkg.NewManifestDigest(args[0])
	if err != nil {
		return err
	}
	return store.Remove(cmd.Context(), digest)
}

func (h *zpkgHandler) storeOptimise(cmd *cobra.Command, args []string) error {
	store, err := h.buildStore()
	if err != nil {
		return err
	}
	saved, err := store.Optimise(cmd.Context())
	if err != nil {
		return err
	}
	h.ui.ReportInfo("Saved %d bytes", saved)
	return nil
}

func (h *zpkgHandler) storeManifest(cmd *cobra.Command, args []string) error {
	algo := zpkg.AlgoSha256New
	if len(args) == 2 {
		algo = zpkg.Algorithm(args[1])
	}
	manifest, err := zpkg.GenerateManifest(args[0], algo)
	if err != nil {
		return err
	}
	fmt.Print(string(manifest))
	fmt.Printf("%s=%s\n", algo, zpkg.DigestOfManifest(manifest, algo))
	return nil
}

func (h *zpkgHandler) storeServe(cmd *cobra.Command, args []string) error {
	if len(h.cfg.StorePaths) == 0 {
		return h.ui.ReportError("No store path configured")
	}
	store, err := zpkg.NewDirectoryStore(h.cfg.StorePaths[0], h.ui)
	if err != nil {
		return err
	}
	l, err := net.Listen("unix", args[0])
	if err != nil {
		return err
	}
	defer l.Close()
	h.ui.ReportInfo("Serving store '%s' on '%s'", h.cfg.StorePaths[0], args[0])
	return zpkg.NewDaemonServer(store, h.ui).Serve(cmd.Context(), l)
}
