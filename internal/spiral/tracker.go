package spiral

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templetwo/temple-bridge/internal/audit"
)

// State is the per-session protocol state.
type State struct {
	Phase           Phase `json:"phase"`
	ReflectionDepth int   `json:"reflection_depth"`
	CallNumber      int   `json:"call_number"`
}

// Transition records a phase change.
type Transition struct {
	From       Phase     `json:"from"`
	To         Phase     `json:"to"`
	CallNumber int       `json:"call_number"`
	At         time.Time `json:"at"`
}

// Recorder persists journal entries. *audit.Journal satisfies it.
type Recorder interface {
	Append(ctx context.Context, e audit.Entry) error
}

// Next returns the state after invoking tool from s. It is a pure function
// of its inputs; tools absent from the table leave the phase unchanged.
func Next(s State, tool ToolName) State {
	next := s
	next.CallNumber++

	switch tool {
	case ToolReadFile, ToolListDirectory, ToolDeriveStatus:
		next.Phase = FirstOrderObservation
	case ToolConsult:
		next.Phase = RecursiveIntegration
	case ToolReflect:
		next.Phase = CounterPerspectives
		next.ReflectionDepth++
	case ToolDeriveGoverned:
		next.Phase = ActionSynthesis
	case ToolDeriveApprove:
		next.Phase = Execution
	case ToolExecuteCommand:
		if s.Phase == CounterPerspectives || s.Phase == ActionSynthesis {
			next.Phase = Execution
		}
	case ToolJourney:
		switch s.Phase {
		case MetaReflection:
			next.Phase = Integration
		case Integration:
			next.Phase = CoherenceCheck
		}
	}
	return next
}

// Settled returns the state after tool has finished executing. A command
// that ran in the Execution phase moves the session to Meta-Reflection.
func Settled(s State, tool ToolName) State {
	if tool == ToolExecuteCommand && s.Phase == Execution {
		s.Phase = MetaReflection
	}
	return s
}

// Tracker owns the State of one session. Every RecordCall is journaled
// before it returns.
type Tracker struct {
	mu        sync.Mutex
	state     State
	history   []Transition
	sessionID string
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker creates a tracker in the Initialization phase.
func NewTracker(sessionID string, recorder Recorder, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		sessionID: sessionID,
		recorder:  recorder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	t.history = append(t.history, Transition{From: Initialization, To: Initialization, At: t.now()})
	return t
}

// RecordCall advances the state for tool and appends the call to the
// journal. If the journal write fails the state is left untouched and the
// error (wrapping audit.ErrWriteFailure) is returned; the caller must not
// run the tool.
func (t *Tracker) RecordCall(ctx context.Context, tool ToolName) (Phase, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := Next(t.state, tool)
	entry := audit.Entry{
		Timestamp:       t.now(),
		Phase:           next.Phase.String(),
		Tool:            string(tool),
		CallNumber:      next.CallNumber,
		ReflectionDepth: next.ReflectionDepth,
		SessionID:       t.sessionID,
		Kind:            audit.KindCall,
	}
	if t.recorder != nil {
		if err := t.recorder.Append(ctx, entry); err != nil {
			t.logger.Error("journal append failed, call not recorded",
				zap.String("tool", string(tool)),
				zap.Int("call_number", next.CallNumber),
				zap.Error(err))
			return t.state.Phase, fmt.Errorf("record %s: %w", tool, err)
		}
	}

	t.commit(next)
	t.logger.Info("spiral phase",
		zap.String("phase", next.Phase.String()),
		zap.String("tool", string(tool)),
		zap.Int("call_number", next.CallNumber))
	return next.Phase, nil
}

// Settle applies post-execution rules for tool.
func (t *Tracker) Settle(tool ToolName) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commit(Settled(t.state, tool))
	return t.state.Phase
}

// Decision appends a governance decision record tied to the latest call.
func (t *Tracker) Decision(ctx context.Context, tool ToolName, proposalID, decision, detail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recorder == nil {
		return nil
	}
	return t.recorder.Append(ctx, audit.Entry{
		Timestamp:       t.now(),
		Phase:           t.state.Phase.String(),
		Tool:            string(tool),
		CallNumber:      t.state.CallNumber,
		ReflectionDepth: t.state.ReflectionDepth,
		SessionID:       t.sessionID,
		Kind:            audit.KindDecision,
		ProposalID:      proposalID,
		Decision:        decision,
		Detail:          detail,
	})
}

func (t *Tracker) commit(next State) {
	if next.Phase != t.state.Phase {
		t.history = append(t.history, Transition{
			From:       t.state.Phase,
			To:         next.Phase,
			CallNumber: next.CallNumber,
			At:         t.now(),
		})
		t.logger.Debug("phase transition",
			zap.String("from", t.state.Phase.String()),
			zap.String("to", next.Phase.String()))
	}
	t.state = next
}

// Current returns the last computed phase.
func (t *Tracker) Current() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Phase
}

// State returns a copy of the session state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionID returns the session identifier stamped on journal entries.
func (t *Tracker) SessionID() string { return t.sessionID }

// History returns the phase transitions so far, oldest first.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Transition, len(t.history))
	copy(out, t.history)
	return out
}

// Summary renders the journey so far with the last five transitions.
func (t *Tracker) Summary() string {
	state := t.State()
	history := t.History()
	if len(history) > 5 {
		history = history[len(history)-5:]
	}

	var b strings.Builder
	b.WriteString("=== SPIRAL JOURNEY SUMMARY ===\n\n")
	fmt.Fprintf(&b, "Current Phase: %s\n", state.Phase)
	fmt.Fprintf(&b, "Tool Calls Made: %d\n", state.CallNumber)
	fmt.Fprintf(&b, "Reflection Depth: %d\n\n", state.ReflectionDepth)
	b.WriteString("Phase History:\n")
	for _, tr := range history {
		fmt.Fprintf(&b, "  %s -> %s (#%d)\n", tr.From, tr.To, tr.CallNumber)
	}
	return b.String()
}
