// Package mysql provides the shared MySQL plumbing used by the durable stores:
// connection pooling, embedded schema migrations and driver error helpers.
package mysql
