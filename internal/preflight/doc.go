// Package preflight validates the environment before the pipeline starts:
// directory permissions, external binaries, and the extraction source.
package preflight
