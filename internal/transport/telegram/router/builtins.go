package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lecturebot/internal/admin"
	"lecturebot/internal/storage"
	"lecturebot/internal/uploader"
)

// BatchOps is the registry write path (admin.Ops).
type BatchOps interface {
	List(ctx context.Context) ([]storage.Batch, error)
	Add(ctx context.Context, actor, batchID, token string, chatID int64, name string) (storage.Batch, bool, error)
	Delete(ctx context.Context, actor, batchID string) error
	Toggle(ctx context.Context, actor, batchID string) (bool, error)
	UpdateToken(ctx context.Context, actor, batchID, token string) error
}

type TaskLister interface {
	Tasks() []uploader.TaskInfo
}

type Deps struct {
	Batches BatchOps
	Tasks   TaskLister
	Ledger  interface{ Len() int } // optional
	Started time.Time
}

const startText = "🎓 PenPencil Lecture Bot\n\n" +
	"📚 Daily lecture upload bot\n" +
	"📋 Use /listbatches to see batches\n" +
	"❓ Use /help for info"

// Builtins returns the bot's command set.
func Builtins(d Deps) []Command {
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	return []Command{
		{
			Name:        "start",
			Description: "About this bot",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, startText)
			},
		},
		{
			Name:        "listbatches",
			Description: "Show batches",
			Handle: func(ctx context.Context, req *Request) error {
				bs, err := d.Batches.List(ctx)
				if err != nil {
					return err
				}
				return req.Reply(ctx, renderBatches(bs))
			},
		},
		{
			Name:        "status",
			Description: "Upload tasks and ledger size",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				ledger := -1
				if d.Ledger != nil {
					ledger = d.Ledger.Len()
				}
				return req.Reply(ctx, renderStatus(time.Since(d.Started), ledger, d.Tasks.Tasks()))
			},
		},
		{
			Name:        "connect",
			Description: "Connect a batch",
			Usage:       "/connect <batch_id> <token> [channel_id]",
			Access:      AccessOwnerOnly,
			Sensitive:   true,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) < 2 {
					return req.Reply(ctx, "Usage: /connect <batch_id> <token> [channel_id]")
				}
				chatID := req.Chat.ChatID
				if len(req.Args) > 2 {
					id, err := strconv.ParseInt(req.Args[2], 10, 64)
					if err != nil {
						return req.Reply(ctx, "❌ Invalid channel id")
					}
					chatID = id
				}
				_ = req.Reply(ctx, "⏳ Verifying token and batch...")
				b, _, err := d.Batches.Add(ctx, req.Actor(), req.Args[0], req.Args[1], chatID, "")
				if err != nil {
					return replyOpError(ctx, req, err)
				}
				return req.Reply(ctx, fmt.Sprintf("✅ Connected Successfully!\n\n📚 %s\n🆔 %s\n📢 %d\n🚀 Lectures will upload daily", b.Name, b.ID, b.ChatID))
			},
		},
		{
			Name:        "remove",
			Description: "Remove a batch",
			Usage:       "/remove <batch_id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) < 1 {
					return req.Reply(ctx, "Usage: /remove <batch_id>")
				}
				if err := d.Batches.Delete(ctx, req.Actor(), req.Args[0]); err != nil {
					return replyOpError(ctx, req, err)
				}
				return req.Reply(ctx, "✅ Batch removed")
			},
		},
		{
			Name:        "toggle",
			Description: "Pause or resume a batch",
			Usage:       "/toggle <batch_id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) < 1 {
					return req.Reply(ctx, "Usage: /toggle <batch_id>")
				}
				active, err := d.Batches.Toggle(ctx, req.Actor(), req.Args[0])
				if err != nil {
					return replyOpError(ctx, req, err)
				}
				return req.Reply(ctx, "Status: "+statusLabel(active))
			},
		},
		{
			Name:        "updatetoken",
			Description: "Update token",
			Usage:       "/updatetoken <batch_id> <token>",
			Access:      AccessOwnerOnly,
			Sensitive:   true,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) < 2 {
					return req.Reply(ctx, "Usage: /updatetoken <batch_id> <token>")
				}
				if err := d.Batches.UpdateToken(ctx, req.Actor(), req.Args[0], req.Args[1]); err != nil {
					return replyOpError(ctx, req, err)
				}
				return req.Reply(ctx, "✅ Token updated")
			},
		},
	}
}

// replyOpError answers expected registry failures in chat; anything else is
// returned to the dispatcher.
func replyOpError(ctx context.Context, req *Request, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return req.Reply(ctx, "❌ Batch not found")
	case errors.Is(err, admin.ErrExists):
		return req.Reply(ctx, "❌ Batch already connected")
	case errors.Is(err, admin.ErrUnverified):
		return req.Reply(ctx, "❌ Failed to connect. Invalid token or batch ID.")
	case errors.Is(err, admin.ErrInvalid):
		return req.Reply(ctx, "❌ Batch id and token are required")
	}
	return err
}

func statusLabel(active bool) string {
	if active {
		return "🟢 Active"
	}
	return "🔴 Inactive"
}

func renderBatches(bs []storage.Batch) string {
	if len(bs) == 0 {
		return "📭 No batches connected"
	}
	var b strings.Builder
	b.WriteString("📚 Connected Batches:\n\n")
	for _, x := range bs {
		fmt.Fprintf(&b, "• %s\n  Status: %s\n", x.Name, statusLabel(x.Active))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStatus(uptime time.Duration, ledger int, tasks []uploader.TaskInfo) string {
	var b strings.Builder
	b.WriteString("📊 Status\n\n")
	fmt.Fprintf(&b, "Uptime: %s\n", uptime.Truncate(time.Second))
	if ledger >= 0 {
		fmt.Fprintf(&b, "Processed items: %d\n", ledger)
	}
	fmt.Fprintf(&b, "Running tasks: %d", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n• %s  %s  cycles=%d", t.BatchID, t.State, t.Cycles)
		if !t.LastCycle.IsZero() {
			fmt.Fprintf(&b, "  last=%s", t.LastCycle.Format("15:04:05"))
		}
	}
	return b.String()
}
