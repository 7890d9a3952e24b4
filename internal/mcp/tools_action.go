package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/templetwo/temple-bridge/internal/action"
	"github.com/templetwo/temple-bridge/internal/spiral"
)

type executeCommandInput struct {
	Command    string `json:"command" jsonschema:"command line starting with an allowlisted prefix such as pytest or git status"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"working directory relative to the basics repository root"`
}

type readFileInput struct {
	FilePath string `json:"file_path" jsonschema:"file path relative to the basics repository root"`
}

type listDirectoryInput struct {
	Directory string `json:"directory,omitempty" jsonschema:"directory relative to the basics repository root (default: .)"`
}

func (s *Server) registerActionTools() {
	addTool(s, spiral.ToolExecuteCommand, func(ctx context.Context, in executeCommandInput) (string, error) {
		if strings.TrimSpace(in.Command) == "" {
			return "", fmt.Errorf("%w: command must not be empty", errInvalidArgument)
		}
		res, err := s.runner.Execute(ctx, in.Command, in.WorkingDir)
		if err != nil {
			return "", err
		}
		return res.Format(), nil
	})

	addTool(s, spiral.ToolReadFile, func(_ context.Context, in readFileInput) (string, error) {
		if in.FilePath == "" {
			return "", fmt.Errorf("%w: file_path must not be empty", errInvalidArgument)
		}
		content, err := s.runner.ReadFile(in.FilePath)
		if err != nil {
			return "", err
		}
		return action.FormatFile(in.FilePath, content), nil
	})

	addTool(s, spiral.ToolListDirectory, func(_ context.Context, in listDirectoryInput) (string, error) {
		dir := in.Directory
		if dir == "" {
			dir = "."
		}
		entries, err := s.runner.ListDirectory(dir)
		if err != nil {
			return "", err
		}
		return action.FormatListing(dir, entries), nil
	})
}
