// Package config provides configuration loading and validation for the capture device and the collector.
// Files are YAML, overlaid on Default, and validated section by section.
package config
