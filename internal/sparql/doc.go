// Package sparql builds the fixed set of knowledge-store queries the content
// resolver issues and extracts values from SPARQL 1.1 JSON result envelopes.
//
// The package performs no I/O. Queries are plain strings; the transport that
// carries them lives in internal/gateway.
package sparql
