// Package parchive adapts the par2 command line tool as the production
// redundancy encoder. Parity files are generated at a configurable ratio of
// the image size and consumed again during verification to rebuild damaged
// units.
package parchive
