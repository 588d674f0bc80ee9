// Package transport implements the four remote operations (ping, status,
// session/whole upload, chunked upload) with bounded timeouts and failure
// classification. Retries belong to the caller.
package transport
