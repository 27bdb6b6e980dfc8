package artifact

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProjectCommandsID is the artifact id used for detected project commands.
const ProjectCommandsID = "project-commands"

// ProjectCommand is a shell command inferred from a project manifest.
type ProjectCommand struct {
	Type        string `json:"type"`
	Command     string `json:"command"`
	Description string `json:"description"`
}

type packageManifest struct {
	Scripts map[string]string `json:"scripts"`
}

// DetectProjectCommands inspects a package.json and returns the install, dev
// and build commands it supports.
func DetectProjectCommands(packageJSON []byte) ([]ProjectCommand, error) {
	var pkg packageManifest
	if err := json.Unmarshal(packageJSON, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}

	commands := []ProjectCommand{{
		Type:        "install",
		Command:     "npm install",
		Description: "Install dependencies",
	}}
	if pkg.Scripts["dev"] != "" {
		commands = append(commands, ProjectCommand{
			Type:        "dev",
			Command:     "npm run dev",
			Description: "Start development server",
		})
	}
	if pkg.Scripts["build"] != "" {
		commands = append(commands, ProjectCommand{
			Type:        "build",
			Command:     "npm run build",
			Description: "Build the project",
		})
	}
	return commands, nil
}

// CommandsDocument renders commands as a shell-only artifact that can be fed
// through a Parser like any model response.
func CommandsDocument(commands []ProjectCommand) string {
	if len(commands) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Here are the available commands for this project:\n")
	fmt.Fprintf(&b, "<%s id=%q title=%q>\n", ArtifactTag, ProjectCommandsID, "Project Commands")
	for _, cmd := range commands {
		fmt.Fprintf(&b, "<%s type=%q title=%q>\n%s\n</%s>\n", ActionTag, TypeShell, cmd.Description, cmd.Command, ActionTag)
	}
	fmt.Fprintf(&b, "</%s>", ArtifactTag)
	return b.String()
}
