//go:build pyroscope
// +build pyroscope

// Package profiling ships continuous profiles to a Pyroscope server when the
// binary is built with the pyroscope tag.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling.  The server address comes from
// PYROSCOPE_SERVER_ADDRESS; PYROSCOPE_APP_NAME overrides appName.
func Start(log *logging.Logger, appName string) error {
	log.Info("Starting Pyroscope")

	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return errors.New("PYROSCOPE_SERVER_ADDRESS is not set")
	}
	if name := os.Getenv("PYROSCOPE_APP_NAME"); name != "" {
		appName = name
	}
	host, _ := os.Hostname()

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"host": host,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return err
	}
	log.Infof("Pyroscope started at %s, app name: %s", serverAddress, appName)
	return nil
}
