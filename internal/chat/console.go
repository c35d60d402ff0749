package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console is a line transport: every non-blank input line is a message from
// one fixed user in one fixed channel, and answers are written to out.
type Console struct {
	AuthorID   uint64
	AuthorName string
	ChannelID  uint64
	GuildID    *uint64

	in  io.Reader
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console transport.
func NewConsole(in io.Reader, out io.Writer, authorID uint64, authorName string, channelID uint64) *Console {
	return &Console{
		AuthorID:   authorID,
		AuthorName: authorName,
		ChannelID:  channelID,
		in:         in,
		out:        out,
	}
}

// Run reads lines until EOF or ctx is done and passes each message to
// handle. handle is expected to return quickly.
func (c *Console) Run(ctx context.Context, handle func(ctx context.Context, msg Message, r Responder)) error {
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			msg := NewMessage(c.AuthorID, c.AuthorName, c.ChannelID, line)
			msg.GuildID = c.GuildID
			handle(ctx, msg, c)
		}
	}
}

func (c *Console) Reply(_ context.Context, text string) error {
	return c.printf("%s\n", text)
}

func (c *Console) React(_ context.Context, emoji string) error {
	return c.printf("(%s)\n", emoji)
}

func (c *Console) DirectMessage(_ context.Context, userID uint64, text string) error {
	return c.printf("[dm %d] %s\n", userID, text)
}

func (c *Console) printf(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}
