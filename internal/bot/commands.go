package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"groupkeeper/internal/broadcast"
	"groupkeeper/internal/model"
	"groupkeeper/internal/transport"
)

// defaultBroadcastSpan is the end time given to repeating broadcasts created from chat.
const defaultBroadcastSpan = 30 * 24 * time.Hour

func (h *Handler) builtinCommands() []Command {
	return []Command{
		{Name: "help", Usage: "/help", Handler: h.cmdHelp},
		{Name: "bc_list", Usage: "/bc_list", OwnerOnly: true, Handler: h.cmdBroadcastList},
		{Name: "bc_add", Usage: "/bc_add <once|hourly|daily|Nm> <text>", OwnerOnly: true, Handler: h.cmdBroadcastAdd},
		{Name: "bc_force", Usage: "/bc_force <id>", OwnerOnly: true, Handler: h.cmdBroadcastForce},
		{Name: "bc_recalibrate", Usage: "/bc_recalibrate <id>", OwnerOnly: true, Handler: h.cmdBroadcastRecalibrate},
		{Name: "autodelete", Usage: "/autodelete on|off", OwnerOnly: true, Handler: h.cmdAutoDelete},
	}
}

func (h *Handler) cmdHelp(ctx context.Context, req *Request) error {
	h.mu.RLock()
	usage := strings.Join(h.usage, "\n")
	h.mu.RUnlock()
	h.reply(ctx, req, model.TypeHelp, "Commands:\n"+usage)
	return nil
}

func (h *Handler) cmdBroadcastList(ctx context.Context, req *Request) error {
	list, err := h.broadcasts.List(ctx, req.Message.ChatID)
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	if len(list) == 0 {
		h.reply(ctx, req, model.TypeHelp, "No broadcasts.")
		return nil
	}
	loc := h.broadcasts.Location()
	var b strings.Builder
	for _, bc := range list {
		last := "never"
		if bc.LastBroadcast != nil {
			last = bc.LastBroadcast.In(loc).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "%s %s every %dm at %s, last %s\n", bc.ID, bc.RepeatType, bc.IntervalMinutes, bc.ScheduleTime, last)
	}
	h.reply(ctx, req, model.TypeHelp, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (h *Handler) cmdBroadcastAdd(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return h.replyErr(ctx, req, usageErr("/bc_add <once|hourly|daily|Nm> <text>"))
	}
	rt, interval, err := parseRepeat(req.Args[0])
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	// Text keeps the original spacing after the repeat word.
	text := strings.TrimSpace(req.Message.Text)
	text = strings.TrimSpace(text[strings.IndexFunc(text, unicode.IsSpace):])
	text = strings.TrimSpace(strings.TrimPrefix(text, req.Args[0]))
	start := h.now().In(h.broadcasts.Location()).Truncate(time.Minute).Add(time.Minute)
	b, err := h.broadcasts.Create(ctx, broadcast.Draft{
		GroupID:         req.Message.ChatID,
		Content:         transport.Content{Text: text, ThreadID: req.Message.ThreadID},
		StartTime:       start,
		EndTime:         start.Add(defaultBroadcastSpan),
		RepeatType:      rt,
		IntervalMinutes: interval,
	})
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	h.reply(ctx, req, model.TypeHelp, fmt.Sprintf("Broadcast %s scheduled at %s.", b.ID, b.ScheduleTime))
	return nil
}

func (h *Handler) cmdBroadcastForce(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return h.replyErr(ctx, req, usageErr("/bc_force <id>"))
	}
	if _, err := h.broadcasts.ForceSend(ctx, req.Args[0]); err != nil {
		if broadcast.IsNotFound(err) {
			return h.replyErr(ctx, req, fmt.Errorf("broadcast %s not found", req.Args[0]))
		}
		return h.replyErr(ctx, req, err)
	}
	return nil
}

func (h *Handler) cmdBroadcastRecalibrate(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return h.replyErr(ctx, req, usageErr("/bc_recalibrate <id>"))
	}
	if err := h.broadcasts.RecalibrateAnchor(ctx, req.Args[0]); err != nil {
		if broadcast.IsNotFound(err) {
			return h.replyErr(ctx, req, fmt.Errorf("broadcast %s not found", req.Args[0]))
		}
		return h.replyErr(ctx, req, err)
	}
	h.reply(ctx, req, model.TypeHelp, "Broadcast "+req.Args[0]+" recalibrated.")
	return nil
}

func (h *Handler) cmdAutoDelete(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return h.replyErr(ctx, req, usageErr("/autodelete on|off"))
	}
	var on bool
	switch strings.ToLower(req.Args[0]) {
	case "on":
		on = true
	case "off":
	default:
		return h.replyErr(ctx, req, usageErr("/autodelete on|off"))
	}
	if _, err := h.settings.Update(ctx, req.Message.ChatID, func(gs *model.GroupSettings) { gs.AutoDelete = on }); err != nil {
		return h.replyErr(ctx, req, err)
	}
	h.reply(ctx, req, model.TypeHelp, "Auto-delete "+strings.ToLower(req.Args[0])+".")
	return nil
}

// parseRepeat accepts once, hourly, daily or a custom interval such as "90m".
func parseRepeat(s string) (model.RepeatType, int, error) {
	s = strings.ToLower(s)
	if rt, err := model.ParseRepeatType(s); err == nil && rt != model.RepeatCustom {
		return rt, 0, nil
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(s, "m")); err == nil && strings.HasSuffix(s, "m") && n > 0 {
		return model.RepeatCustom, n, nil
	}
	return "", 0, fmt.Errorf("unknown repeat %q", s)
}
