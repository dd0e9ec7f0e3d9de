// Package log provides structured logging for the agent pool, built on
// zerolog: console output by default, JSON when JSONOutput is set. Call Init once at process startup, then use the package
// helpers or the With* constructors to scope a logger to an instance,
// tenant, or project.
package log
