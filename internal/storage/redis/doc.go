// Package redis holds the shared Redis connection setup used by the rate-limit
// window store and the event publisher.
package redis
