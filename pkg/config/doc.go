// Package config assembles one relay process's configuration from
// defaults, an optional TOML file, and RELAY_-prefixed environment
// variables, in ascending precedence.
//
// Load caches the result behind a package-level singleton, following
// teranos-QNTX's am.Load/am.Reset pattern; Reset clears it for tests that
// need a fresh read after changing the environment.
package config
