package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/templetwo/temple-bridge/internal/guidance"
)

// Resource URIs.
const (
	URISpiralManifest = "temple://memory/spiral_manifest"
	URIBasicsManifest = "temple://memory/btb_manifest"
	URIConfigPaths    = "temple://config/paths"
	URIJourney        = "temple://spiral/journey"
)

type configView struct {
	BasicsPath       string                         `json:"basics_path"`
	ThresholdPath    string                         `json:"threshold_path"`
	ServerVersion    string                         `json:"server_version"`
	SessionID        string                         `json:"session_id"`
	Timestamp        time.Time                      `json:"timestamp"`
	Allowlist        []string                       `json:"command_allowlist"`
	MinReversibility float64                        `json:"min_reversibility"`
	Repositories     map[string]guidance.RepoStatus `json:"repositories"`
}

func (s *Server) registerResources() {
	s.addTextResource(&mcp.Resource{
		URI:         URISpiralManifest,
		Name:        "spiral_manifest",
		Description: "Threshold protocols manifest: the protocol governing the agent.",
		MIMEType:    "text/markdown",
	}, func(context.Context) (string, error) {
		return guidance.Manifest(s.library.Root(), guidance.SpiralManifest), nil
	})

	s.addTextResource(&mcp.Resource{
		URI:         URIBasicsManifest,
		Name:        "btb_manifest",
		Description: "Back to the basics documentation: the capabilities of the action layer.",
		MIMEType:    "text/markdown",
	}, func(context.Context) (string, error) {
		return guidance.Manifest(s.runner.Root(), guidance.BasicsManifest), nil
	})

	s.addTextResource(&mcp.Resource{
		URI:         URIConfigPaths,
		Name:        "config_paths",
		Description: "Current bridge configuration and repository status.",
		MIMEType:    "application/json",
	}, func(context.Context) (string, error) {
		return render(configView{
			BasicsPath:       s.runner.Root(),
			ThresholdPath:    s.library.Root(),
			ServerVersion:    s.config.Version,
			SessionID:        s.tracker.SessionID(),
			Timestamp:        time.Now().UTC(),
			Allowlist:        s.runner.Allowlist(),
			MinReversibility: s.engine.Policy().MinReversibility,
			Repositories: map[string]guidance.RepoStatus{
				"basics":    guidance.Status(s.runner.Root()),
				"threshold": guidance.Status(s.library.Root()),
			},
		})
	})

	s.addTextResource(&mcp.Resource{
		URI:         URIJourney,
		Name:        "spiral_journey",
		Description: "Current spiral phase and recent phase transitions.",
		MIMEType:    "text/plain",
	}, func(context.Context) (string, error) {
		return s.tracker.Summary(), nil
	})
}

func (s *Server) addTextResource(r *mcp.Resource, read func(context.Context) (string, error)) {
	s.mcp.AddResource(r, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		text, err := read(ctx)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      r.URI,
				MIMEType: r.MIMEType,
				Text:     text,
			}},
		}, nil
	})
}
