package spiral

// ToolName identifies a tool exposed to the agent. The set is closed: only
// the constants below can be registered or tracked.
type ToolName string

const (
	ToolExecuteCommand ToolName = "btb_execute_command"
	ToolReadFile       ToolName = "btb_read_file"
	ToolListDirectory  ToolName = "btb_list_directory"
	ToolConsult        ToolName = "threshold_consult"
	ToolReflect        ToolName = "spiral_reflect"
	ToolJourney        ToolName = "spiral_journey"
	ToolDeriveGoverned ToolName = "btb_derive_governed"
	ToolDeriveApprove  ToolName = "btb_derive_approve"
	ToolDeriveReject   ToolName = "btb_derive_reject"
	ToolDeriveStatus   ToolName = "btb_derive_status"
)

var allTools = []ToolName{
	ToolExecuteCommand,
	ToolReadFile,
	ToolListDirectory,
	ToolConsult,
	ToolReflect,
	ToolJourney,
	ToolDeriveGoverned,
	ToolDeriveApprove,
	ToolDeriveReject,
	ToolDeriveStatus,
}

// Tools returns every known tool name.
func Tools() []ToolName {
	out := make([]ToolName, len(allTools))
	copy(out, allTools)
	return out
}

// ParseTool resolves a wire name to a ToolName.
func ParseTool(name string) (ToolName, bool) {
	for _, t := range allTools {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// Valid reports whether t is one of the known tools.
func (t ToolName) Valid() bool {
	_, ok := ParseTool(string(t))
	return ok
}

func (t ToolName) String() string { return string(t) }
