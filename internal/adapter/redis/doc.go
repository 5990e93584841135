// Package redis holds the go-redis client setup and the sensor status cache
// that backs the broadcast scheduler's activity checks.
package redis
