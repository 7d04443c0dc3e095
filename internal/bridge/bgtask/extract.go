package bgtask

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Refs are the identifying fields extracted from a background tool
// response. Either field may be empty; both empty means extraction
// found nothing.
type Refs struct {
	TaskID     string
	OutputFile string
}

// Empty reports whether extraction produced nothing.
func (r Refs) Empty() bool { return r.TaskID == "" && r.OutputFile == "" }

var (
	taskIDRe     = regexp.MustCompile(`task[_\s-]?id[:\s]+"?([A-Za-z0-9._/-]+)"?`)
	agentIDRe    = regexp.MustCompile(`agentId[:\s]+"?([A-Za-z0-9._/-]+)"?`)
	outputFileRe = regexp.MustCompile(`output[_\s-]?file[:\s]+"?([A-Za-z0-9._/~-]+)"?`)
)

// Extract pulls task refs out of a tool response, in fixed precedence:
// structured object fields, then a regex scan of plain text, then a
// JSON-serialize-and-rescan of anything else. The field is best effort
// by nature of the upstream protocol; no cleverer parsing is attempted.
func Extract(response any) Refs {
	switch v := response.(type) {
	case nil:
		return Refs{}
	case map[string]any:
		if refs := extractStructured(v); !refs.Empty() {
			return refs
		}
		return rescanJSON(v)
	case string:
		return scanText(v)
	case []any:
		// Array of content blocks; concatenate the text parts.
		var sb strings.Builder
		for _, item := range v {
			if block, ok := item.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					sb.WriteString(text)
					sb.WriteByte('\n')
				}
			}
		}
		if refs := scanText(sb.String()); !refs.Empty() {
			return refs
		}
		return rescanJSON(v)
	default:
		return rescanJSON(v)
	}
}

func extractStructured(obj map[string]any) Refs {
	var refs Refs
	if s, ok := obj["task_id"].(string); ok && s != "" {
		refs.TaskID = s
	} else if s, ok := obj["agentId"].(string); ok && s != "" {
		refs.TaskID = s
	}
	if s, ok := obj["output_file"].(string); ok && s != "" {
		refs.OutputFile = s
	}
	return refs
}

func scanText(text string) Refs {
	var refs Refs
	if m := taskIDRe.FindStringSubmatch(text); m != nil {
		refs.TaskID = m[1]
	} else if m := agentIDRe.FindStringSubmatch(text); m != nil {
		refs.TaskID = m[1]
	}
	if m := outputFileRe.FindStringSubmatch(text); m != nil {
		refs.OutputFile = m[1]
	}
	return refs
}

func rescanJSON(v any) Refs {
	data, err := json.Marshal(v)
	if err != nil {
		return Refs{}
	}
	// Unescape embedded quotes so the same regexes apply to values that
	// were themselves serialized into JSON strings.
	return scanText(strings.ReplaceAll(string(data), `\"`, `"`))
}
