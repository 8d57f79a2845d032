// Package app turns a loaded configuration into wired components for the binaries.
package app
