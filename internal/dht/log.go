package dht

import "log"

// logf writes a subsystem-prefixed diagnostic line. Background loops
// use this instead of propagating errors: they log and continue.
func logf(logger *log.Logger, subsystem, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(subsystem+": "+format, args...)
}
