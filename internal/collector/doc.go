// Package collector is the receiving side of the capture protocol.
//
// It subscribes to every device under a namespace, opens an assembly when a meta message
// announces a session length, appends data chunks in arrival order and closes the assembly
// once the announced length is reached. Finished sessions are archived as WAV files and
// acknowledged on the response topic. Assemblies that stall are closed as incomplete after
// the session timeout.
package collector
