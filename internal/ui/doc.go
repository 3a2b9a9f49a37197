// Package ui renders vpcsh's terminal output: per-host report blocks, the
// run summary, tables for listings, and a spinner for the phases before
// dispatch.
//
// Styles use Lip Gloss with ANSI colors. ConfigureColors applies the
// output.color setting; DisableColors forces plain text (--no-color, or
// output that isn't a terminal).
//
// Report blocks are built whole by ReportRenderer.Render and handed to a
// fleet.WriterSink, which writes each block in one call so concurrent hosts
// never interleave.
package ui
