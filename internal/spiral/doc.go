// Package spiral tracks where a session stands in the nine-phase spiral
// protocol.
//
// The phase is driven purely by which tool was invoked: Next is a total,
// pure function of (state, tool) backed by a fixed table, and Tracker wraps
// it with journaling so that every call is recorded before the tool runs.
//
// Tool names form a closed set (ToolName). Unknown names never reach the
// tracker; the MCP layer rejects them at registration time.
package spiral
