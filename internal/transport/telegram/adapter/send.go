package adapter

import (
	"bytes"
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	"legendalf/internal/transport"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

// Send delivers p to a chat. Long text is split across messages; a caption
// too long for Telegram is sent as a separate message after the media. The
// returned ref points at the first message.
func (a *Adapter) Send(ctx context.Context, to transport.ChatTarget, p transport.Payload) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, transport.Retryable("canceled", err)
	}
	chat := &tele.Chat{ID: to.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(p.ParseMode),
		DisableWebPagePreview: p.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var (
		first transport.MessageRef
		text  = p.Text
	)
	if p.Media != nil {
		caption := text
		if len([]rune(caption)) > captionLimit {
			caption = ""
		} else {
			text = ""
		}
		what, err := mediaSendable(p.Media, caption)
		if err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, what, opts)
		if err != nil {
			return first, classify(err)
		}
		first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		if text == "" {
			return first, nil
		}
	}

	for _, chunk := range splitText(text, textLimit, p.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, transport.Retryable("canceled", err)
		}
		msg, err := a.bot.Send(chat, chunk, opts)
		if err != nil {
			return first, classify(err)
		}
		if first.MessageID == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func mediaSendable(m *transport.Media, caption string) (tele.Sendable, error) {
	var file tele.File
	switch {
	case m.URL != "":
		file = tele.FromURL(m.URL)
	case len(m.Data) > 0:
		file = tele.FromReader(bytes.NewReader(m.Data))
	case m.Path != "":
		file = tele.FromDisk(m.Path)
	default:
		return nil, transport.Permanent("empty_media", nil)
	}
	switch m.Kind {
	case transport.MediaVideo:
		return &tele.Video{File: file, Caption: caption, FileName: m.Name}, nil
	case transport.MediaAnimation:
		return &tele.Animation{File: file, Caption: caption, FileName: m.Name}, nil
	default:
		return &tele.Photo{File: file, Caption: caption}, nil
	}
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, transport.ParseModeHTML)
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if html && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
