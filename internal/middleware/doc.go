// Package middleware executes the two hook chains that wrap every request:
// downloader hooks around the network fetch, and spider hooks around the
// callback that parses a response.
//
// Hooks are plain values implementing one or more capability interfaces.
// Capabilities are discovered once when a chain is built; a value with no
// capability is rejected.
package middleware
