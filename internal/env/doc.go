// Package env is the session controller between an RL client and one
// simulation worker.
//
// A Session owns exactly one worker process and one channel to it. Modes:
//
//	NoWorker --Start--> Control --Reset--> Episode
//	Episode --Reset/Statistics--> Control
//	any --Stop or worker death--> NoWorker
//
// The controller cannot see the worker's mode, so every Reset, Statistics
// and graceful Stop first forces control mode by repeating
// terminate-episode until the worker acknowledges control, up to
// MaxForceAttempts.
//
// Failure policy:
//   - precondition failures return before any request is sent
//   - protocol violations and shape mismatches stop the worker first
//   - transport failures release the worker; a later Reset restarts it
//   - Stop always releases both handles, whatever the graceful path returned
package env
