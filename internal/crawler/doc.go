// Package crawler defines the data model shared by every part of the crawl
// dispatch core: requests, responses, failures, callback output streams and
// the collaborator interfaces (spiders, transports, item sinks) the engine
// consumes.
package crawler
