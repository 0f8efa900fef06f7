package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromFirst    string
	FromLast     string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

// Media is an attachment. Exactly one of Path, URL or Data is expected.
type Media struct {
	Kind MediaKind
	Path string
	URL  string
	Data []byte
	Name string
}

// ParseModeHTML selects Telegram's HTML markup.
const ParseModeHTML = "HTML"

// Payload is one outgoing delivery. With Media set, Text becomes the caption.
type Payload struct {
	Text           string
	ParseMode      string
	DisablePreview bool
	Media          *Media
}

// Sender delivers a payload to a chat.
type Sender interface {
	Send(ctx context.Context, to ChatTarget, p Payload) (MessageRef, error)
}

// Adapter is a full transport: outgoing delivery plus incoming updates.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// DeliveryError is a classified transport failure.
type DeliveryError struct {
	Retryable  bool
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err == nil {
		return fmt.Sprintf("delivery %s: %s", kind, e.Reason)
	}
	return fmt.Sprintf("delivery %s: %s: %v", kind, e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable wraps err as a transient delivery failure.
func Retryable(reason string, err error) error {
	return &DeliveryError{Retryable: true, Reason: reason, Err: err}
}

// Permanent wraps err as a failure that will not heal by retrying.
func Permanent(reason string, err error) error {
	return &DeliveryError{Retryable: false, Reason: reason, Err: err}
}

// AsDeliveryError extracts a DeliveryError from err.
func AsDeliveryError(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
