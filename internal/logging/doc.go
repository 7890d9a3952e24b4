// Package logging provides structured logging for the bridge server.
//
// Logger wraps zap with:
//   - a Trace level below Debug
//   - context fields for the session, request, tool and proposal
//   - redaction of sensitive keys and value patterns
//   - level-aware sampling (errors are never sampled)
//
// Output goes to stderr. Stdout carries the MCP stdio protocol and must
// never receive log lines.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, sessionID)
//	logger.Info(ctx, "proposal stored", zap.String("proposal_id", id))
package logging
