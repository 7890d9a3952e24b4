package mcp

import (
	"sort"

	"github.com/templetwo/temple-bridge/internal/spiral"
)

// ToolCategory groups tools by the layer they act on.
type ToolCategory string

const (
	// CategoryAction is for commands and file access in the basics repository.
	CategoryAction ToolCategory = "action"
	// CategoryGuidance is for consultation and reflection.
	CategoryGuidance ToolCategory = "guidance"
	// CategoryGovernance is for governed reorganization.
	CategoryGovernance ToolCategory = "governance"
)

// ToolMetadata describes a tool.
type ToolMetadata struct {
	Name        spiral.ToolName `json:"name"`
	Description string          `json:"description"`
	Category    ToolCategory    `json:"category"`
}

var catalog = map[spiral.ToolName]ToolMetadata{
	spiral.ToolExecuteCommand: {
		Name:     spiral.ToolExecuteCommand,
		Category: CategoryAction,
		Description: "Execute an allowlisted command in the back-to-the-basics repository. " +
			"The command runs without a shell; output is scrubbed of secrets.",
	},
	spiral.ToolReadFile: {
		Name:        spiral.ToolReadFile,
		Category:    CategoryAction,
		Description: "Read a file from the back-to-the-basics repository.",
	},
	spiral.ToolListDirectory: {
		Name:        spiral.ToolListDirectory,
		Category:    CategoryAction,
		Description: "List the contents of a directory in the back-to-the-basics repository.",
	},
	spiral.ToolConsult: {
		Name:     spiral.ToolConsult,
		Category: CategoryGuidance,
		Description: "Search the threshold protocols for guidance. " +
			"Use before significant actions to consult the framework.",
	},
	spiral.ToolReflect: {
		Name:        spiral.ToolReflect,
		Category:    CategoryGuidance,
		Description: "Record a reflection on the current state and deepen the reflection count.",
	},
	spiral.ToolJourney: {
		Name:        spiral.ToolJourney,
		Category:    CategoryGuidance,
		Description: "Summarize the spiral journey: current phase, call count and recent transitions.",
	},
	spiral.ToolDeriveGoverned: {
		Name:     spiral.ToolDeriveGoverned,
		Category: CategoryGovernance,
		Description: "Analyze a directory and propose a reorganization. With dry_run (the default) " +
			"nothing is stored; otherwise a pending proposal is recorded for approval.",
	},
	spiral.ToolDeriveApprove: {
		Name:     spiral.ToolDeriveApprove,
		Category: CategoryGovernance,
		Description: "Approve a pending reorganization by its proposal_hash and execute it. " +
			"The source tree is re-checked first; a changed tree rejects the proposal.",
	},
	spiral.ToolDeriveReject: {
		Name:        spiral.ToolDeriveReject,
		Category:    CategoryGovernance,
		Description: "Reject a pending reorganization by its proposal_hash.",
	},
	spiral.ToolDeriveStatus: {
		Name:        spiral.ToolDeriveStatus,
		Category:    CategoryGovernance,
		Description: "List reorganization proposals that have not been executed.",
	},
}

// Lookup returns the metadata for a tool.
func Lookup(name spiral.ToolName) (ToolMetadata, bool) {
	m, ok := catalog[name]
	return m, ok
}

// ListByCategory returns the tools in category ordered by name.
func ListByCategory(category ToolCategory) []ToolMetadata {
	var out []ToolMetadata
	for _, m := range catalog {
		if m.Category == category {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
