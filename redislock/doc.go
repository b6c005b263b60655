// Package redislock provides a redsync-backed distributed mutex over
// go-redis. The backfill uses it so only one process rewrites history at a
// time.
package redislock
