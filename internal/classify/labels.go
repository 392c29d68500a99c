package classify

import (
	"strings"
)

// actionLabels maps backend tool names to short human-readable action labels
// shown in the transcript alongside a tool call.
var actionLabels = map[string]string{
	"web_search":       "Searching the web",
	"read_url":         "Reading a web page",
	"code_interpreter": "Running code",
	"file_read":        "Reading a file",
	"file_write":       "Writing a file",
	"file_search":      "Searching files",
	"sql_query":        "Querying the database",
	"image_generation": "Generating an image",
	"send_email":       "Sending an email",
	"calculator":       "Calculating",
}

// ActionLabel returns the display label for a tool name. Unknown tools fall
// back to the title-cased name with underscores as spaces, e.g.
// "data_export" becomes "Data Export".
func ActionLabel(toolName string) string {
	if label, ok := actionLabels[toolName]; ok {
		return label
	}
	if toolName == "" {
		return "Working"
	}
	words := strings.Split(strings.ReplaceAll(toolName, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
