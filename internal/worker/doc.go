// Package worker launches and reaps simulation worker processes.
//
// Each worker runs in its own process group so termination reaches any
// children it spawned. A monitor goroutine owns cmd.Wait; everything else
// observes exit through Alive and Exited.
package worker
