// Package executor applies approved proposals to the filesystem.
//
// Operations run in schema order. The first failure stops the run; nothing
// already applied is rolled back and the Report says what happened.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/templetwo/temple-bridge/internal/derive"
	"github.com/templetwo/temple-bridge/internal/proposal"
)

// ErrDestinationExists indicates a move found its destination occupied.
var ErrDestinationExists = errors.New("destination already exists")

// ErrContentMismatch indicates a merge found different content at its
// destination.
var ErrContentMismatch = errors.New("merge destination content differs")

// Item is the outcome of one operation.
type Item struct {
	Operation derive.Operation `json:"operation"`
	Error     string           `json:"error,omitempty"`
}

// Report enumerates completed and failed operations. Operations after the
// first failure are neither.
type Report struct {
	ProposalID string        `json:"proposal_id"`
	Completed  []Item        `json:"completed"`
	Failed     []Item        `json:"failed,omitempty"`
	Skipped    int           `json:"skipped"`
	Total      int           `json:"total"`
	FirstErr   error         `json:"-"`
	Duration   time.Duration `json:"duration"`
}

// Complete reports whether every operation was applied.
func (r *Report) Complete() bool {
	return len(r.Failed) == 0 && len(r.Completed) == r.Total
}

// Err returns a *PartialExecutionError when the run was incomplete.
func (r *Report) Err() error {
	if r.Complete() {
		return nil
	}
	return &PartialExecutionError{Report: r}
}

// Summary converts the report into the form stored with the proposal.
func (r *Report) Summary(at time.Time) *proposal.ExecutionSummary {
	s := &proposal.ExecutionSummary{
		Completed:  len(r.Completed),
		Failed:     len(r.Failed),
		Total:      r.Total,
		ExecutedAt: at,
	}
	if r.FirstErr != nil {
		s.FirstError = r.FirstErr.Error()
	}
	return s
}

// PartialExecutionError reports an execution that stopped early.
type PartialExecutionError struct {
	Report *Report
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("partial execution of %s: %d of %d operations completed: %v",
		e.Report.ProposalID, len(e.Report.Completed), e.Report.Total, e.Report.FirstErr)
}

func (e *PartialExecutionError) Unwrap() error { return e.Report.FirstErr }

// Executor applies proposals.
type Executor struct {
	logger *zap.Logger
}

// New creates an executor.
func New(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger}
}

// Apply runs every operation of p. It touches nothing unless p is
// approved. Context cancellation stops the run between operations and is
// recorded like any other failure.
func (e *Executor) Apply(ctx context.Context, p *proposal.Proposal) (*Report, error) {
	if p == nil || p.Status != proposal.StatusApproved {
		status := proposal.Status("")
		if p != nil {
			status = p.Status
		}
		return nil, fmt.Errorf("%w: apply requires %s, got %q", proposal.ErrInvalidState, proposal.StatusApproved, status)
	}

	start := time.Now()
	report := &Report{ProposalID: p.ID}
	if p.Schema != nil {
		report.Total = len(p.Schema.Operations)
	}

	for i := 0; i < report.Total; i++ {
		op := p.Schema.Operations[i]
		err := ctx.Err()
		if err == nil {
			err = apply(op)
		}
		if err != nil {
			report.Failed = append(report.Failed, Item{Operation: op, Error: err.Error()})
			report.FirstErr = fmt.Errorf("%s %s: %w", op.Kind, op.Source, err)
			report.Skipped = report.Total - i - 1
			e.logger.Warn("execution stopped",
				zap.String("proposal_id", p.ID),
				zap.Int("completed", len(report.Completed)),
				zap.Int("total", report.Total),
				zap.Error(report.FirstErr))
			break
		}
		report.Completed = append(report.Completed, Item{Operation: op})
	}

	report.Duration = time.Since(start)
	e.logger.Info("proposal applied",
		zap.String("proposal_id", p.ID),
		zap.Int("completed", len(report.Completed)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func apply(op derive.Operation) error {
	switch op.Kind {
	case derive.OpMove:
		if _, err := os.Lstat(op.Destination); err == nil {
			return fmt.Errorf("%w: %s", ErrDestinationExists, op.Destination)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return rename(op.Source, op.Destination)
	case derive.OpOverwrite:
		return rename(op.Source, op.Destination)
	case derive.OpMerge:
		same, err := sameContent(op.Source, op.Destination)
		if err != nil {
			return err
		}
		if !same {
			return fmt.Errorf("%w: %s", ErrContentMismatch, op.Destination)
		}
		return os.Remove(op.Source)
	case derive.OpDelete:
		return os.Remove(op.Source)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func rename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func sameContent(a, b string) (bool, error) {
	fa, err := os.Open(a) // #nosec G304 -- paths come from an approved proposal.
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b) // #nosec G304
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		doneB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)
		if doneA || doneB {
			return doneA && doneB, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}
