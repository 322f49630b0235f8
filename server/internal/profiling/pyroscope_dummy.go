//go:build !pyroscope
// +build !pyroscope

package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing, profiling is compiled out.
func Start(log *logging.Logger, appName string) error {
	log.Debugf("Profiling of %s is disabled", appName)
	return nil
}
