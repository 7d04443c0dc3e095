package orchestrator

import (
	"fmt"
	"path"
	"strings"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

// MapPromptParts flattens ACP prompt content into the child's user
// message content. Embedded resources contribute a link inline and a
// context block appended after all other parts; unsupported chunk
// kinds are dropped. An empty prompt maps to an empty array, which the
// child accepts as a bare turn trigger.
func MapPromptParts(parts []acp.ContentBlock) []any {
	content := make([]any, 0, len(parts))
	var contexts []string

	for _, part := range parts {
		switch {
		case part.Text != nil:
			content = append(content, streamjson.TextInput{
				Type: "text",
				Text: rewriteMcpCommand(part.Text.Text),
			})
		case part.ResourceLink != nil:
			content = append(content, streamjson.TextInput{
				Type: "text",
				Text: linkText(part.ResourceLink.Uri),
			})
		case part.Resource != nil:
			text := part.Resource.Resource.TextResourceContents
			if text == nil {
				// Blob resources have no text form the child can use.
				continue
			}
			content = append(content, streamjson.TextInput{
				Type: "text",
				Text: linkText(text.Uri),
			})
			contexts = append(contexts, fmt.Sprintf("\n<context ref=%q>\n%s\n</context>", text.Uri, text.Text))
		case part.Image != nil:
			if img, ok := imageInput(part.Image); ok {
				content = append(content, img)
			}
		}
		// Audio and unknown chunk kinds are ignored.
	}

	for _, ctx := range contexts {
		content = append(content, streamjson.TextInput{Type: "text", Text: ctx})
	}
	return content
}

// rewriteMcpCommand turns "/mcp:<server>:<command> <args>" into the
// child's "/<server>:<command> (MCP) <args>" form.
func rewriteMcpCommand(text string) string {
	if !strings.HasPrefix(text, "/mcp:") {
		return text
	}
	rest := strings.TrimPrefix(text, "/mcp:")
	command := rest
	args := ""
	if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		command, args = rest[:idx], rest[idx:]
	}
	if !strings.Contains(command, ":") {
		return text
	}
	return fmt.Sprintf("/%s (MCP)%s", command, args)
}

// linkText renders a resource URI as inline text: a markdown-style
// mention for file and zed URIs, the URI verbatim otherwise.
func linkText(uri string) string {
	for _, scheme := range []string{"file://", "zed://"} {
		if strings.HasPrefix(uri, scheme) {
			return fmt.Sprintf("[@%s](%s)", path.Base(strings.TrimPrefix(uri, scheme)), uri)
		}
	}
	return uri
}

// imageInput maps an ACP image block to the child's image shape,
// preferring embedded base64 over a URL when both are present.
func imageInput(img *acp.ContentBlockImage) (streamjson.ImageInput, bool) {
	if img.Data != "" {
		return streamjson.ImageInput{
			Type: "image",
			Source: streamjson.ImageSource{
				Type:      "base64",
				MediaType: img.MimeType,
				Data:      img.Data,
			},
		}, true
	}
	if img.Uri != nil && (strings.HasPrefix(*img.Uri, "http://") || strings.HasPrefix(*img.Uri, "https://")) {
		return streamjson.ImageInput{
			Type:   "image",
			Source: streamjson.ImageSource{Type: "url", URL: *img.Uri},
		}, true
	}
	return streamjson.ImageInput{}, false
}
