/*
Package log provides structured logging for drover using zerolog.

A single package-level logger is configured once through Init. Components derive
child loggers that carry a fixed "component" field, and narrow them further with
job and worker identifiers:

	logger := log.WithComponent("reconciler")
	jl := log.WithJobID(logger, "wordcount-7")
	jl.Info().Str("state", "scaling").Msg("group transition")

Console output is meant for local runs; JSON output is what the controller emits
in a cluster, where log collectors parse the fields.

# Levels

debug, info, warn and error map onto zerolog's levels. Unknown values fall back
to info.
*/
package log
