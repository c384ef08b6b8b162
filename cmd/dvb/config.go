package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/pool"
	"github.com/dvtools/dvbulk/internal/throttle"
	"github.com/dvtools/dvbulk/internal/webapi"
)

// Resolution order: flag > DVB_* env > config file > default.
var cfg = viper.New()

func initConfig() {
	cfg.SetEnvPrefix("DVB")
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	cfg.AutomaticEnv()

	if cfgFile != "" {
		cfg.SetConfigFile(cfgFile)
	} else {
		cfg.SetConfigName("dvb")
		cfg.SetConfigType("yaml")
		cfg.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			cfg.AddConfigPath(filepath.Join(home, ".config", "dvb"))
		}
	}

	if err := cfg.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if cfgFile != "" || !asConfigNotFound(err, &nf) {
			fmt.Fprintf(os.Stderr, "Warning: config: %v\n", err)
		}
	}
}

func asConfigNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

// applyConfigOverrides backfills unset flags from viper so every command
// reads flags only. Flag > env > file because viper resolves env and file
// and a changed flag is never touched.
func applyConfigOverrides(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !cfg.IsSet(f.Name) {
			return
		}
		if err := f.Value.Set(cfg.GetString(f.Name)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: config key %s: %v\n", f.Name, err)
		}
	})
}

// buildRuntime assembles the tracker and the connection pool from the
// resolved configuration.
func buildRuntime(cmd *cobra.Command) (*pool.Pool, *throttle.Tracker, error) {
	urls, _ := cmd.Flags().GetStringSlice("url")
	if len(urls) == 0 {
		urls = cfg.GetStringSlice("urls")
	}
	if len(urls) == 0 {
		if u := cfg.GetString("url"); u != "" {
			urls = []string{u}
		}
	}
	if len(urls) == 0 {
		return nil, nil, invalidArgs("no environment URL: pass --url, set DVB_URL, or add urls to dvb.yaml")
	}

	token, err := resolveToken()
	if err != nil {
		return nil, nil, err
	}

	tracker := throttle.NewTracker()
	sources := make([]*pool.Source, 0, len(urls))
	for i, u := range urls {
		src, err := pool.NewSource(pool.SourceConfig{
			Name:          fmt.Sprintf("env-%d", i+1),
			Endpoint:      strings.TrimRight(u, "/"),
			Factory:       webapi.Factory(webapi.Config{Endpoint: u, Token: token}),
			MaxConcurrent: cfg.GetInt("max-concurrent"),
		})
		if err != nil {
			return nil, nil, exitWith(exitFailure, err)
		}
		sources = append(sources, src)
	}

	pcfg := pool.DefaultConfig(tracker)
	if dop, _ := cmd.Flags().GetInt("dop"); dop > 0 {
		pcfg.RequestedDop = dop
	} else if dop := cfg.GetInt("dop"); dop > 0 {
		pcfg.RequestedDop = dop
	}

	p, err := pool.New(pcfg, sources...)
	if err != nil {
		return nil, nil, exitWith(exitFailure, err)
	}
	return p, tracker, nil
}

// resolveToken finds the bearer token: DVB_ACCESS_TOKEN, then a token file,
// then the config key. Acquisition itself (device code, client secret) is a
// wrapper concern; dvb only consumes a ready token.
func resolveToken() (webapi.TokenSource, error) {
	if t := os.Getenv("DVB_ACCESS_TOKEN"); t != "" {
		return webapi.StaticToken(strings.TrimSpace(t)), nil
	}
	if path := cfg.GetString("token-file"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, notFound("token file: %v", err)
		}
		return webapi.StaticToken(strings.TrimSpace(string(b))), nil
	}
	if t := cfg.GetString("token"); t != "" {
		return webapi.StaticToken(strings.TrimSpace(t)), nil
	}
	return nil, invalidArgs("no credentials: set DVB_ACCESS_TOKEN or token-file in dvb.yaml")
}

// singleClient leases one client for metadata-style commands and returns a
// release func.
func singleClient(cmd *cobra.Command) (dataverse.Client, func(), error) {
	p, _, err := buildRuntime(cmd)
	if err != nil {
		return nil, nil, err
	}
	lease, err := p.GetClient(rootCtx)
	if err != nil {
		p.Close()
		return nil, nil, exitWith(exitFailure, err)
	}
	release := func() {
		lease.Dispose()
		p.Close()
	}
	return lease.Client(), release, nil
}
