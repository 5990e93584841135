// Package domain holds the shared vocabulary of the service: sensors,
// generated points, subscriber connections and the interfaces the adapters
// implement (SensorRepository, ActivityOracle). It has no dependencies on
// other internal packages.
package domain
