// Package transport defines the chat-platform boundary of the bot.
package transport

import "context"

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
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
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

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a running connection to a chat platform.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
