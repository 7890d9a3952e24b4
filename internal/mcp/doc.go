// Package mcp exposes the temple bridge over the Model Context Protocol.
//
// The server registers a closed set of tools (see spiral.Tools) through a
// single dispatch wrapper: each call is journaled by the spiral tracker
// before its handler runs, and governance decisions are journaled after.
// Command output and file content pass through the secret scrubber inside
// the action runner before they reach the client.
//
// Read-only resources expose the repository manifests, the configuration
// and the spiral journey.
package mcp
