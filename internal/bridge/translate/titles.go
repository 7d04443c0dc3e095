package translate

import (
	"fmt"
	"strings"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

const maxTitleLen = 80

// SynthesizeTitle derives a human-readable title and an ACP tool kind
// from a tool name and its (possibly partial) input. Inputs absent at
// streaming time degrade to the bare tool name; the finalized assistant
// message refreshes the title with the full input.
func SynthesizeTitle(name string, input map[string]any) (string, acp.ToolKind) {
	switch name {
	case streamjson.ToolBash:
		if cmd := inputString(input, "command"); cmd != "" {
			return truncate(cmd, maxTitleLen), acp.ToolKindExecute
		}
		if desc := inputString(input, "description"); desc != "" {
			return desc, acp.ToolKindExecute
		}
		return name, acp.ToolKindExecute
	case streamjson.ToolBashOutput:
		return "Read shell output", acp.ToolKindExecute
	case streamjson.ToolKillShell:
		return "Kill shell", acp.ToolKindExecute
	case streamjson.ToolRead:
		if path := inputString(input, "file_path"); path != "" {
			return fmt.Sprintf("Read %s", path), acp.ToolKindRead
		}
		return name, acp.ToolKindRead
	case streamjson.ToolGlob:
		if pattern := inputString(input, "pattern"); pattern != "" {
			return fmt.Sprintf("Find %s", pattern), acp.ToolKindSearch
		}
		return name, acp.ToolKindSearch
	case streamjson.ToolGrep:
		if pattern := inputString(input, "pattern"); pattern != "" {
			return fmt.Sprintf("Search %s", truncate(pattern, maxTitleLen-8)), acp.ToolKindSearch
		}
		return name, acp.ToolKindSearch
	case streamjson.ToolWrite:
		if path := inputString(input, "file_path"); path != "" {
			return fmt.Sprintf("Write %s", path), acp.ToolKindEdit
		}
		return name, acp.ToolKindEdit
	case streamjson.ToolEdit, streamjson.ToolMultiEdit, streamjson.ToolNotebookEdit:
		if path := inputString(input, "file_path"); path != "" {
			return fmt.Sprintf("Edit %s", path), acp.ToolKindEdit
		}
		if path := inputString(input, "notebook_path"); path != "" {
			return fmt.Sprintf("Edit %s", path), acp.ToolKindEdit
		}
		return name, acp.ToolKindEdit
	case streamjson.ToolWebFetch:
		if url := inputString(input, "url"); url != "" {
			return fmt.Sprintf("Fetch %s", truncate(url, maxTitleLen-6)), acp.ToolKindFetch
		}
		return name, acp.ToolKindFetch
	case streamjson.ToolWebSearch:
		if query := inputString(input, "query"); query != "" {
			return fmt.Sprintf("Search %q", truncate(query, maxTitleLen-10)), acp.ToolKindSearch
		}
		return name, acp.ToolKindSearch
	case streamjson.ToolTask:
		if desc := inputString(input, "description"); desc != "" {
			return desc, acp.ToolKindOther
		}
		return "Launch subagent", acp.ToolKindOther
	case streamjson.ToolTodoWrite:
		return "Update plan", acp.ToolKindThink
	case streamjson.ToolExitPlanMode:
		return "Exit plan mode", acp.ToolKindThink
	default:
		return name, acp.ToolKindOther
	}
}

// toolLocations derives file locations for tools whose input names a
// concrete path, so clients can follow along in the editor.
func toolLocations(name string, input map[string]any) []acp.ToolCallLocation {
	var path string
	switch name {
	case streamjson.ToolRead, streamjson.ToolWrite, streamjson.ToolEdit, streamjson.ToolMultiEdit:
		path = inputString(input, "file_path")
	case streamjson.ToolNotebookEdit:
		path = inputString(input, "notebook_path")
		if path == "" {
			path = inputString(input, "file_path")
		}
	}
	if path == "" {
		return nil
	}
	loc := acp.ToolCallLocation{Path: path}
	if line, ok := inputNumber(input, "offset"); ok {
		l := int(line)
		loc.Line = &l
	}
	return []acp.ToolCallLocation{loc}
}

// editDiffContent builds diff-typed tool call content for file edit
// tools, when the input carries both sides of the change.
func editDiffContent(name string, input map[string]any) []acp.ToolCallContent {
	switch name {
	case streamjson.ToolWrite:
		path := inputString(input, "file_path")
		content := inputString(input, "content")
		if path == "" || content == "" {
			return nil
		}
		return []acp.ToolCallContent{{
			Diff: &acp.ToolCallContentDiff{Type: "diff", Path: path, NewText: content},
		}}
	case streamjson.ToolEdit:
		path := inputString(input, "file_path")
		oldText := inputString(input, "old_string")
		newText := inputString(input, "new_string")
		if path == "" || (oldText == "" && newText == "") {
			return nil
		}
		return []acp.ToolCallContent{{
			Diff: &acp.ToolCallContentDiff{Type: "diff", Path: path, OldText: &oldText, NewText: newText},
		}}
	default:
		return nil
	}
}

// todoPlanEntries converts a canonical TodoWrite input into ACP plan
// entries. Returns nil when the shape is not the canonical todo list,
// in which case the tool use falls back to a plain tool call.
func todoPlanEntries(input map[string]any) []acp.PlanEntry {
	raw, ok := input["todos"].([]any)
	if !ok {
		return nil
	}
	entries := make([]acp.PlanEntry, 0, len(raw))
	for _, item := range raw {
		todo, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		content := inputString(todo, "content")
		if content == "" {
			return nil
		}
		entries = append(entries, acp.PlanEntry{
			Content:  content,
			Status:   todoStatus(inputString(todo, "status")),
			Priority: acp.PlanEntryPriorityMedium,
		})
	}
	return entries
}

func todoStatus(status string) acp.PlanEntryStatus {
	switch status {
	case "in_progress":
		return acp.PlanEntryStatusInProgress
	case "completed":
		return acp.PlanEntryStatusCompleted
	default:
		return acp.PlanEntryStatusPending
	}
}

func inputString(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

func inputNumber(input map[string]any, key string) (float64, bool) {
	if input == nil {
		return 0, false
	}
	n, ok := input[key].(float64)
	return n, ok
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
