package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/spf13/viper"
	"github.com/zeroinstall/zpkg/commands"
	"github.com/zeroinstall/zpkg/config"
	"github.com/zeroinstall/zpkg/pkg/zpkg"
)

type Viper struct {
	cacheDir        string
	injectorVersion string
	noDefaultMirror bool
}

func NewViper(cacheDir string, injectorVersion string, noDefaultMirror bool) *Viper {
	return &Viper{
		cacheDir:        cacheDir,
		injectorVersion: injectorVersion,
		noDefaultMirror: noDefaultMirror,
	}
}

const configKeyMirrors = "feeds.mirrors"
const configKeyNetwork = "core.network"
const configKeyFreshness = "core.freshness"
const configKeyHelpWithTesting = "core.help-with-testing"

func (vc *Viper) Init(cfgFile string) error {
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

func (vc *Viper) Load(ctx context.Context) (*commands.Config, error) {
	result := commands.Config{}

	if vc.cacheDir == "" {
		var err error
		result.StorePaths, err = config.StorePaths()
		if err != nil {
			return nil, err
		}
		result.FeedCachePath, err = config.FeedCachePath()
		if err != nil {
			return nil, err
		}
		result.MirrorCachePath, err = config.MirrorCachePath()
		if err != nil {
			return nil, err
		}
	} else {
		result.StorePaths = []string{filepath.Join(vc.cacheDir, "implementations")}
		result.FeedCachePath = filepath.Join(vc.cacheDir, "interfaces")
		result.MirrorCachePath = filepath.Join(vc.cacheDir, "mirrors")
	}
	if p, ok := config.UserPreferencesFile(); ok {
		result.PreferencesPath = p
	}
	if vc.injectorVersion != "" {
		v, err := version.NewVersion(vc.injectorVersion)
		if err != nil {
			return nil, err
		}
		result.InjectorVersion = v
	}

	if viper.IsSet(configKeyNetwork) {
		result.Network = zpkg.NetworkUse(viper.GetString(configKeyNetwork))
	}
	if viper.IsSet(configKeyFreshness) {
		freshness, err := time.ParseDuration(viper.GetString(configKeyFreshness))
		if err != nil {
			return nil, err
		}
		result.Freshness = freshness
	}
	if viper.IsSet(configKeyHelpWithTesting) {
		result.HelpWithTesting = viper.GetBool(configKeyHelpWithTesting)
	}

	if viper.IsSet(configKeyMirrors) {
		err := viper.UnmarshalKey(configKeyMirrors, &result.Mirrors)
		if err != nil {
			return nil, err
		}
		if result.Mirrors == nil {
			// Viper seems to just ignore empty lists.
			result.Mirrors = zpkg.MirrorConfigs{}
		}
	} else if vc.noDefaultMirror {
		result.Mirrors = zpkg.MirrorConfigs{}
	}

	return &result, nil
}

func (vc *Viper) Store(ctx context.Context, cfg *commands.Config) error {
	if cfg.Network != "" {
		viper.Set(configKeyNetwork, string(cfg.Network))
	}
	if cfg.Freshness != 0 {
		viper.Set(configKeyFreshness, cfg.Freshness.String())
	}
	viper.Set(configKeyHelpWithTesting, cfg.HelpWithTesting)
	if cfg.Mirrors != nil {
		viper.Set(configKeyMirrors, cfg.Mirrors)
	}
	return viper.WriteConfig()
}
