package router

import (
	"context"
	"strings"
	"time"
	"unicode"

	logx "lecturebot/pkg/logx"
)

// MenuPublisher is implemented by adapters that can set the client-side
// command list (Telegram setMyCommands).
type MenuPublisher interface {
	SetCommands(ctx context.Context, cmds map[string]string, order []string) error
}

// sanitizeTelegramCommand converts a name into a Telegram-safe command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// menuEntries builds the published menu: names in registration order, owner
// commands marked with a lock.
func (m *CommandManager) menuEntries() (map[string]string, []string) {
	desc := map[string]string{}
	var order []string
	for _, c := range m.Commands() {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" {
			continue
		}
		if _, dup := desc[name]; dup {
			continue
		}
		d := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if d == "" {
			d = name
		}
		if c.Access == AccessOwnerOnly {
			d = "🔒 " + d
		}
		if len(d) > 256 {
			d = d[:256]
		}
		desc[name] = d
		order = append(order, name)
		if len(order) >= 100 {
			break
		}
	}
	return desc, order
}

// PublishMenu pushes the command menu. Failures are logged, not returned.
func (m *CommandManager) PublishMenu(ctx context.Context, p MenuPublisher) {
	if p == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	desc, order := m.menuEntries()
	if err := p.SetCommands(cctx, desc, order); err != nil {
		m.log.Warn("command menu update failed", logx.Err(err))
		return
	}
	m.log.Debug("command menu published", logx.Int("commands", len(order)))
}
