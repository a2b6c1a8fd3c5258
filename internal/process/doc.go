// Package process supervises the out-of-process sensor producer.
//
// The gateway can launch the producer itself, passing the relay address and
// shared secret in the child's environment. The Supervisor:
//   - Starts the binary in its own process group
//   - Logs each line of its stdout/stderr at debug level
//   - Restarts it with exponential backoff when it exits
//   - Stops it with SIGTERM, then SIGKILL, when the context is cancelled
//
// Example usage:
//
//	sup := process.New(process.ConfigFromProducer(cfg.Producer, []string{
//	    "STARGAZE_RELAY_ADDRESS=" + addr,
//	    "STARGAZE_RELAY_SECRET=" + secret,
//	}))
//	go sup.Run(ctx)
package process
