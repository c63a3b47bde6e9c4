// Package tools provides host command helpers shared by the session and worker
// packages.
//
// Ownership boundary:
// - command execution helpers used for address reclaim and process lookup
package tools
