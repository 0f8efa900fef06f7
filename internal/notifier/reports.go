package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	logx "legendalf/pkg/logx"
)

// ScheduleDisabled reports a schedule the loop turned off.
func (s *Service) ScheduleDisabled(sc schedule.Schedule, reason string) {
	text := fmt.Sprintf("<b>Расписание отключено</b>\nid: <code>%s</code>\nчат: <code>%d</code>\nправило: %s\nпричина: %s",
		html.EscapeString(sc.ID), sc.ChatID, html.EscapeString(schedule.Describe(sc.Kind, sc.Params)), html.EscapeString(reason))
	s.report(Report{Channel: "schedule.disabled", Priority: PriorityWarn, Text: text})
}

// MigrationFailed reports a legacy import that left entries behind.
func (s *Service) MigrationFailed(err error) {
	var b strings.Builder
	b.WriteString("<b>Импорт users.json не завершён</b>\n")
	var me *storage.MigrationError
	if !errors.As(err, &me) || me.Err != nil || len(me.Entries) == 0 {
		b.WriteString(html.EscapeString(err.Error()))
	} else {
		fmt.Fprintf(&b, "%s: не перенесено записей: %d", html.EscapeString(me.Path), len(me.Entries))
		for i, e := range me.Entries {
			if i == 10 {
				fmt.Fprintf(&b, "\n… и ещё %d", len(me.Entries)-i)
				break
			}
			fmt.Fprintf(&b, "\n• %s: %s", html.EscapeString(e.Entry), html.EscapeString(e.Err.Error()))
		}
	}
	s.report(Report{Channel: "migration.failed", Priority: PriorityCritical, Text: b.String()})
}

// StoreCorrupt reports that scheduling is halted.
func (s *Service) StoreCorrupt(err error) {
	text := "<b>Хранилище расписаний повреждено, рассылки остановлены</b>\n" + html.EscapeString(err.Error())
	s.report(Report{Channel: "store.corrupt", Priority: PriorityCritical, Text: text})
}

// AccessRequested tells admins that a user is waiting for approval.
func (s *Service) AccessRequested(g storage.Grant) {
	text := fmt.Sprintf("<b>Запрос доступа</b>\n%s (<code>%d</code>)\n/approve %d · /deny %d",
		html.EscapeString(g.DisplayName()), g.UserID, g.UserID, g.UserID)
	s.report(Report{Channel: "access.requested", Priority: PriorityInfo, Text: text})
}

func (s *Service) report(r Report) {
	if err := s.Notify(context.Background(), r); err != nil {
		s.log.Debug("report not queued", logx.String("channel", r.Channel), logx.Err(err))
	}
}
