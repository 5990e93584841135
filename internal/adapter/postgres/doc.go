// Package postgres stores the sensor catalog in PostgreSQL via pgx and
// applies the embedded tern migrations at startup.
package postgres
