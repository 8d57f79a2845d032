// Package archive writes session audio to WAV files and reads them back.
package archive
