package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help for path in Telegram HTML.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTopHTML(root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		n, ok := cur.child(p)
		if !ok {
			if leaf, hit := alias[p]; hit && leaf != nil && leaf.cmd != nil && cur == root {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return "Unknown command. Type <code>/help</code> for the list."
		}
		cur = n
		full = append(full, p)
	}
	return helpNodeHTML(cur, full)
}

func helpTopHTML(root *cmdNode) string {
	type row struct {
		name, desc string
		lock       bool
	}
	rows := make([]row, 0, len(root.children))
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		rows = append(rows, row{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	// owner-only commands last
	sort.SliceStable(rows, func(i, j int) bool { return !rows[i].lock && rows[j].lock })

	lines := []string{
		"<b>Commands</b>",
		"Type <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	for _, r := range rows {
		line := "• "
		if r.lock {
			line += "🔒 "
		}
		line += "<code>/" + html.EscapeString(r.name) + "</code>"
		if r.desc != "" {
			line += " - " + html.EscapeString(r.desc)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpNodeHTML(cur *cmdNode, full []string) string {
	lines := []string{"<b>Help</b> <code>/" + html.EscapeString(strings.Join(full, " ")) + "</code>"}

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	} else {
		lines = append(lines, "Command group.")
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			line := "• <code>/" + html.EscapeString(strings.Join(append(append([]string(nil), full...), name), " ")) + "</code>"
			if d := summarizeNodeDesc(n); d != "" {
				line += " - " + html.EscapeString(d)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	s := strings.Join(kids[:min(3, len(kids))], ", ")
	if len(kids) > 3 {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeIsOwnerOnly is true for owner-only leaves and for groups whose every
// command is owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, ch := range n.children {
		if !nodeIsOwnerOnly(ch) {
			return false
		}
	}
	return true
}

func buildShortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	route := splitRoute(c.Route)
	if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
		add(menu)
	}
	for _, a := range c.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}
