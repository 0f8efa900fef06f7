package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"legendalf/internal/transport"
)

// permanentDescriptions are Bot API answers that will not change on retry:
// the chat is gone or the bot lost access to it.
var permanentDescriptions = []struct {
	match  string
	reason string
}{
	{"chat not found", "chat_not_found"},
	{"bot was blocked by the user", "blocked"},
	{"bot was kicked", "kicked"},
	{"user is deactivated", "user_deactivated"},
	{"bot can't initiate conversation", "not_started"},
	{"bot is not a member", "not_member"},
	{"have no rights to send", "no_rights"},
	{"not enough rights", "no_rights"},
	{"message thread not found", "thread_not_found"},
	{"topic_closed", "topic_closed"},
	{"chat_id is empty", "chat_not_found"},
}

// classify maps a telebot error onto transport.DeliveryError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transport.Retryable("timeout", err)
	}

	var flood tele.FloodError
	var floodPtr *tele.FloodError
	switch {
	case errors.As(err, &flood):
		return retryAfter(flood.RetryAfter, err)
	case errors.As(err, &floodPtr):
		return retryAfter(floodPtr.RetryAfter, err)
	}

	var group tele.GroupError
	var groupPtr *tele.GroupError
	switch {
	case errors.As(err, &group):
		return transport.Permanent(fmt.Sprintf("chat_migrated:%d", group.MigratedTo), err)
	case errors.As(err, &groupPtr):
		return transport.Permanent(fmt.Sprintf("chat_migrated:%d", groupPtr.MigratedTo), err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		desc := strings.ToLower(te.Description + " " + te.Message)
		for _, p := range permanentDescriptions {
			if strings.Contains(desc, p.match) {
				return transport.Permanent(p.reason, err)
			}
		}
		switch {
		case te.Code == 403:
			return transport.Permanent("forbidden", err)
		case te.Code == 429:
			return transport.Retryable("rate_limited", err)
		case te.Code >= 500:
			return transport.Retryable("telegram_unavailable", err)
		case te.Code == 401:
			return transport.Retryable("unauthorized", err)
		}
		return transport.Retryable(fmt.Sprintf("api_%d", te.Code), err)
	}

	// unrecognized answers arrive as "telegram: <description> (<code>)"
	desc := strings.ToLower(err.Error())
	for _, p := range permanentDescriptions {
		if strings.Contains(desc, p.match) {
			return transport.Permanent(p.reason, err)
		}
	}
	if strings.Contains(desc, "(403)") {
		return transport.Permanent("forbidden", err)
	}
	return transport.Retryable("network", err)
}

func retryAfter(seconds int, err error) error {
	return &transport.DeliveryError{
		Retryable:  true,
		Reason:     "flood",
		RetryAfter: time.Duration(seconds) * time.Second,
		Err:        err,
	}
}
