package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/store"
)

// loadConfig resolves the --config flag against config.Default(), the same
// fallback every subcommand that touches the store or spawns a coordinator
// needs.
func loadConfig(cmd *cobra.Command) (config.Cluster, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openStore connects to the Redis coordination store described by cfg.
func openStore(cfg config.Cluster) (store.Store, error) {
	return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}
