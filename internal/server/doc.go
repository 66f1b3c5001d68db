// Package server implements the HTTP surface of the file share: routing,
// bearer authentication, the middleware chain and the handlers that turn
// access.Service results into JSON responses and file streams.
package server
