// Package app provides the application service layer.
//
// It serves the sensor catalog use cases behind the HTTP API, keeps the
// scheduler's activity cache in step with catalog writes and seeds the
// catalog from a YAML file at startup.
package app
