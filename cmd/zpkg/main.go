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

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zeroinstall/zpkg/commands"
	"github.com/zeroinstall/zpkg/config"
	"github.com/zeroinstall/zpkg/config/store"
)

func getTrimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func main() {
	cfgFile := getTrimmedEnv("ZPKG_CONFIG_FILE")
	cacheDir := getTrimmedEnv("ZPKG_CACHE_DIR")
	noDefaultMirror := getTrimmedEnv("ZPKG_NO_DEFAULT_MIRROR")
	injectorVersion := getTrimmedEnv("ZPKG_INJECTOR_VERSION")

	configStore := store.NewViper(cacheDir, injectorVersion, noDefaultMirror != "")
	cobra.OnInitialize(func() {
		if cfgFile == "" {
			cfgFile, _ = config.UserConfigFile()
		}
		configStore.Init(cfgFile)
	})

	rootCmd, err := commands.Zpkg(commands.DefaultRunWrapper, configStore, nil)
	if err != nil {
		e, ok := err.(commands.WithSilent)
		if !ok {
			fmt.Fprintln(os.Stderr, e)
		}
		os.Exit(1)
	}
	rootCmd.TraverseChildren = true
	rootCmd.Execute()
}
