// Package ddrescue adapts GNU ddrescue as the production extractor for
// optical sources. It launches the rescue process, reports byte progress by
// watching the output image grow, and slices the finished image into the
// unit manifest the rest of the pipeline works from.
package ddrescue
