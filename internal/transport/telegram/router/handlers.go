package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"legendalf/internal/admin"
	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	"legendalf/internal/transport"
	"legendalf/internal/transport/telegram/adapter"
	logx "legendalf/pkg/logx"
)

const timeLayout = "02.01.2006 15:04"

func (r *Router) builtin() []Command {
	return []Command{
		{Route: "start", Aliases: []string{"mellon"}, Description: "Молви «друг» и войди", Usage: "/start", Access: AccessEveryone, Handle: r.cmdStart},
		{Route: "id", Description: "Узнать свой знак (user_id)", Usage: "/id", Access: AccessEveryone, Handle: r.cmdID},
		{Route: "help", Aliases: []string{"h"}, Description: "Список заклинаний", Usage: "/help", Access: AccessEveryone, Handle: r.cmdHelp},
		{Route: "schedules", Aliases: []string{"schedule"}, Description: "График рассылки этого чата", Usage: "/schedules", Access: AccessAllowed, Handle: r.cmdSchedules},
		{Route: "schedule_add", Description: "Добавить рассылку", Usage: "/schedule_add <rule> [| quote|holidays|films|films_day|text]", Access: AccessAllowed, Handle: r.cmdScheduleAdd},
		{Route: "schedule_on", Description: "Включить рассылку", Usage: "/schedule_on <id>", Access: AccessAllowed, Handle: r.toggle(true)},
		{Route: "schedule_off", Description: "Приостановить рассылку", Usage: "/schedule_off <id>", Access: AccessAllowed, Handle: r.toggle(false)},
		{Route: "schedule_del", Description: "Удалить рассылку", Usage: "/schedule_del <id>", Access: AccessAllowed, Handle: r.cmdScheduleDel},
		{Route: "pending", Description: "Список путников у врат", Usage: "/pending", Access: AccessAdmin, Handle: r.cmdPending},
		{Route: "approve", Aliases: []string{"allow"}, Description: "Открыть путь путнику", Usage: "/approve <user_id>", Access: AccessAdmin, Handle: r.cmdApprove},
		{Route: "deny", Description: "Отказать путнику", Usage: "/deny <user_id>", Access: AccessAdmin, Handle: r.cmdDeny},
	}
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	if r.ops.IsAllowed(ctx, req.FromID) {
		r.reply(ctx, req.Chat, "Ты уже допущен к знаниям.\nЗагляни в /help, и путь откроется.")
		return nil
	}
	g, _, err := r.ops.RequestAccess(ctx, req.From)
	if err != nil {
		return err
	}
	if g.Role == storage.RoleDenied {
		r.reply(ctx, req.Chat, "Пока путь для тебя закрыт.\nНе всякий отказ - конец дороги.")
		return nil
	}
	r.reply(ctx, req.Chat, "Ты не пройдёшь.\nЯ передал твою просьбу хранителю врат.\nМудрость приходит к тем, кто умеет ждать.")
	return nil
}

func (r *Router) cmdID(ctx context.Context, req *Request) error {
	name := "(без имени)"
	if req.From.Username != "" {
		name = "@" + req.From.Username
	}
	r.reply(ctx, req.Chat, fmt.Sprintf("Каждому путнику дано имя и знак.\nТвой знак: <code>%d</code>\nИмя, которым ты известен: %s",
		req.FromID, html.EscapeString(name)))
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Chat, r.helpText(ctx, req.FromID))
	return nil
}

func (r *Router) cmdPending(ctx context.Context, req *Request) error {
	pending, err := r.ops.PendingRequests(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.reply(ctx, req.Chat, "Сейчас никто не стоит у врат.\nТишина - редкий, но добрый знак.")
		return nil
	}
	lines := []string{"У врат ждут следующие путники:"}
	for _, g := range pending {
		lines = append(lines, fmt.Sprintf("• <code>%d</code> %s", g.UserID, html.EscapeString(g.DisplayName())))
	}
	lines = append(lines, "", "Открыть путь: /approve &lt;id&gt;\nОтказать: /deny &lt;id&gt;")
	r.reply(ctx, req.Chat, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) cmdApprove(ctx context.Context, req *Request) error {
	uid, ok := r.userArg(ctx, req)
	if !ok {
		return nil
	}
	if _, err := r.ops.GrantAccess(ctx, req.FromID, uid, storage.RoleAllowed); err != nil {
		return err
	}
	r.reply(ctx, req.Chat, fmt.Sprintf("Решение принято.\nПутнику со знаком <code>%d</code> открыт путь.", uid))
	r.notifyUser(ctx, uid, "Врата открыты.\nТебе дозволено спрашивать. Начни с /help.")
	return nil
}

func (r *Router) cmdDeny(ctx context.Context, req *Request) error {
	uid, ok := r.userArg(ctx, req)
	if !ok {
		return nil
	}
	if _, err := r.ops.DenyAccess(ctx, req.FromID, uid); err != nil {
		r.reply(ctx, req.Chat, html.EscapeString(err.Error()))
		return nil
	}
	r.reply(ctx, req.Chat, fmt.Sprintf("Ты отказал путнику со знаком <code>%d</code>.\nТакова воля хранителя.", uid))
	r.notifyUser(ctx, uid, "Пока путь для тебя закрыт.\nНе всякий отказ - конец дороги.")
	return nil
}

func (r *Router) userArg(ctx context.Context, req *Request) (int64, bool) {
	if len(req.Args) == 1 {
		if uid, err := strconv.ParseInt(req.Args[0], 10, 64); err == nil && uid > 0 {
			return uid, true
		}
	}
	r.reply(ctx, req.Chat, "Используй мудро: /"+req.Command+" &lt;user_id&gt;")
	return 0, false
}

// notifyUser is best-effort: the user may never have opened a private chat.
func (r *Router) notifyUser(ctx context.Context, uid int64, text string) {
	r.reply(ctx, transport.ChatTarget{ChatID: uid}, text)
}

func (r *Router) cmdSchedules(ctx context.Context, req *Request) error {
	list, err := r.ops.ListSchedules(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		r.reply(ctx, req.Chat, "В этом чате рассылок нет.\nДобавь: /schedule_add daily 09:00 | quote")
		return nil
	}
	lines := []string{"<b>Рассылки этого чата:</b>"}
	for _, sc := range list {
		lines = append(lines, r.renderSchedule(sc))
	}
	r.reply(ctx, req.Chat, strings.Join(lines, "\n\n"))
	return nil
}

func (r *Router) renderSchedule(sc schedule.Schedule) string {
	head := fmt.Sprintf("<code>%s</code>\n%s · %s",
		sc.ID, html.EscapeString(schedule.Describe(sc.Kind, sc.Params)), payloadName(sc.Payload))
	switch {
	case !sc.Enabled:
		reason := sc.DisabledReason
		if reason == "" {
			reason = "выключена"
		}
		return head + "\n⏸ " + html.EscapeString(reason)
	case sc.NextFireAt.IsZero():
		return head + "\n⏳ следующий раз ещё не определён"
	}
	next := "▶ " + sc.NextFireAt.In(r.loc).Format(timeLayout)
	if sc.NextLabel != "" {
		next += " (" + html.EscapeString(sc.NextLabel) + ")"
	}
	return head + "\n" + next
}

func payloadName(p schedule.Payload) string {
	if p.Type == schedule.PayloadText {
		text := []rune(p.Text)
		if len(text) > 40 {
			text = append(text[:40], '…')
		}
		return "«" + html.EscapeString(string(text)) + "»"
	}
	return string(p.Type)
}

// parsePayload reads the part after "|": a payload keyword or free text.
// Empty means the quote of the day.
func parsePayload(s string) schedule.Payload {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "quote", "база":
		return schedule.Payload{Type: schedule.PayloadQuote}
	case "holidays", "праздники":
		return schedule.Payload{Type: schedule.PayloadHolidays}
	case "films", "фильмы":
		return schedule.Payload{Type: schedule.PayloadFilms}
	case "films_day":
		return schedule.Payload{Type: schedule.PayloadFilmsDay}
	}
	return schedule.Payload{Type: schedule.PayloadText, Text: s}
}

func (r *Router) cmdScheduleAdd(ctx context.Context, req *Request) error {
	rule, rest, _ := strings.Cut(req.RawArgs, "|")
	if strings.TrimSpace(rule) == "" {
		r.reply(ctx, req.Chat, "Формат: /schedule_add &lt;rule&gt; [| payload]\n"+
			"Правила: daily 09:00, weekly mon 09:00, monthly 1 09:00, yearly 12-31 23:59, holiday 10:00, once 2024-05-01 10:00, cron 0 9 * * 1-5\n"+
			"Что слать: quote, holidays, films, films_day или свой текст.")
		return nil
	}
	payload := parsePayload(rest)
	sc, err := r.ops.CreateFromRule(ctx, req.Chat.ChatID, req.Chat.ThreadID, rule, payload, req.FromID)
	if errors.Is(err, schedule.ErrInvalid) {
		r.reply(ctx, req.Chat, "Не понял правило: "+html.EscapeString(err.Error()))
		return nil
	}
	if err != nil {
		return err
	}
	req.Logger.Info("schedule added", logx.String("schedule", sc.ID))
	r.reply(ctx, req.Chat, "Записал.\n\n"+r.renderSchedule(sc))
	return nil
}

func (r *Router) toggle(enabled bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		id, ok := r.scheduleArg(ctx, req)
		if !ok {
			return nil
		}
		sc, err := r.ops.SetEnabled(ctx, id, enabled)
		switch {
		case errors.Is(err, admin.ErrCompleted):
			r.reply(ctx, req.Chat, "Эта разовая рассылка уже отправлена. Создай новую.")
			return nil
		case errors.Is(err, storage.ErrNotFound):
			r.reply(ctx, req.Chat, "Рассылка <code>"+html.EscapeString(id)+"</code> не найдена.")
			return nil
		case err != nil:
			return err
		}
		word := "приостановлена"
		if enabled {
			word = "включена"
		}
		r.reply(ctx, req.Chat, "Рассылка "+word+".\n\n"+r.renderSchedule(sc))
		return nil
	}
}

func (r *Router) cmdScheduleDel(ctx context.Context, req *Request) error {
	id, ok := r.scheduleArg(ctx, req)
	if !ok {
		return nil
	}
	err := r.ops.DeleteSchedule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		r.reply(ctx, req.Chat, "Рассылка <code>"+html.EscapeString(id)+"</code> не найдена.")
		return nil
	}
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, "Рассылка <code>"+html.EscapeString(id)+"</code> удалена.")
	return nil
}

// scheduleArg reads the schedule id and checks that the caller may touch
// it: admins manage any chat, others only the chat they write from.
func (r *Router) scheduleArg(ctx context.Context, req *Request) (string, bool) {
	if len(req.Args) != 1 {
		r.reply(ctx, req.Chat, "Используй мудро: /"+req.Command+" &lt;id&gt;")
		return "", false
	}
	id := req.Args[0]
	if r.ops.IsAdmin(ctx, req.FromID) {
		return id, true
	}
	list, err := r.ops.ListSchedules(ctx, req.Chat.ChatID)
	if err == nil {
		for _, sc := range list {
			if sc.ID == id {
				return id, true
			}
		}
	}
	r.reply(ctx, req.Chat, "В этом чате нет рассылки <code>"+html.EscapeString(id)+"</code>.")
	return "", false
}

func (r *Router) helpText(ctx context.Context, from int64) string {
	isAdmin := r.ops.IsAdmin(ctx, from)
	allowed := isAdmin || r.ops.IsAllowed(ctx, from)

	r.mu.RLock()
	cmds := append([]Command(nil), r.cmds...)
	r.mu.RUnlock()

	lines := []string{"📚 <b>Заклинания</b>", ""}
	for _, c := range cmds {
		switch {
		case c.Access == AccessAdmin && !isAdmin:
			continue
		case c.Access == AccessAllowed && !allowed:
			continue
		}
		line := "<code>" + html.EscapeString(c.Usage) + "</code>"
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessAdmin {
			line = "🔒 " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// menuCommands lists what everyone may see in the client menu.
func (r *Router) menuCommands() []adapter.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Access == AccessAdmin {
			continue
		}
		out = append(out, adapter.Command{Text: c.Route, Description: c.Description})
	}
	return out
}
