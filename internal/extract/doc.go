// Package extract defines the contract for pulling a raw image off a
// physical source and the unit manifest derived from it. Concrete extractors
// live under internal/services.
package extract
