// Package cache is a client for the GitHub Actions artifact cache service.
//
// A Client is bound to a primary key and a list of restore keys. Entry looks up the best
// matching archive for a version, Get downloads an archive in ranged chunks and Put reserves,
// uploads and commits a new archive. Chunks are transferred in parallel through the pipeline
// package, with a bounded number of workers, and every request goes through a transport that
// retries transient failures with exponential backoff and honours Retry-After.
package cache
