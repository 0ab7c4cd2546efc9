// Package logging wraps log/slog with balloon conventions: console and JSON
// handlers, standardized field keys, and context-derived job/stage attributes.
//
// Components receive a *slog.Logger at construction and use WithContext to pick
// up job identifiers the workflow manager placed on the context.
package logging
