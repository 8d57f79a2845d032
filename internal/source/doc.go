// Package source provides microphone stand-ins that satisfy audio.SampleSource.
//
// WAVFile replays recorded audio from any afero filesystem, optionally looping and paced at
// the file's sample rate. The live PortAudio microphone lives in the mic subpackage so that
// builds without cgo can still use file replay.
package source
