// Package config loads, normalizes, and validates balloon configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// pipeline and CLI need: staging and archive directories, extractor and FEC
// codec binaries, checksum algorithm selection, retry budgets, and workflow
// timing.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
