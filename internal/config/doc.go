// Package config provides the configuration model of avaguard.
//
// Configuration is read from a YAML file with ${VAR} and ${VAR:-default}
// environment substitution, layered over defaults and validated as a
// whole; every problem found is reported in one ValidationErrors value.
//
// # Loading
//
//	cfg, err := config.LoadConfig("avaguard.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    return err
//	}
//
// # Hot reload
//
// A Watcher reloads the file on change and hands every valid version to a
// callback. Apply pushes the reloadable parts (trust gate, abuse scoring and
// node topology) into the running engine and cluster:
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    _ = config.Apply(ctx, cfg, eng, coordinator)
//	})
package config
