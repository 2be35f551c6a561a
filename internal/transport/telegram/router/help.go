package router

import (
	"html"
	"strings"
)

// helpText renders the command list in HTML parse mode. Owner-only commands
// are listed only for owners.
func (m *CommandManager) helpText(owner bool) string {
	lines := []string{"<b>Commands:</b>", ""}
	var locked []string
	for _, c := range m.Commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		row := "<code>" + html.EscapeString(usage) + "</code>"
		if c.Description != "" {
			row += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			if owner {
				locked = append(locked, "🔒 "+row)
			}
			continue
		}
		lines = append(lines, row)
	}
	if len(locked) > 0 {
		lines = append(lines, "", "<b>Owner:</b>", "")
		lines = append(lines, locked...)
	}
	lines = append(lines,
		"",
		"<b>Features:</b>",
		"",
		"✅ Multi-batch support",
		"✅ Auto daily uploads",
		"✅ PDF &amp; Video support",
		"✅ Progress tracking",
		"✅ Token management",
	)
	return strings.Join(lines, "\n")
}
