package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"chimein/internal/domain"

	"github.com/google/uuid"
)

const (
	cliTransportID = "cli"
	cliChannel     = "local"
)

// CLI is an interactive terminal transport. Every line the user types is a
// direct message to the agent in the single "cli:local" channel.
type CLI struct {
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	agentName string
	userName  string

	outMu     sync.Mutex
	thinking  bool
	thinkStop chan struct{}
	done      chan struct{}
}

type CLIConfig struct {
	AgentName string
	UserName  string
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "agent"
	}
	if cfg.UserName == "" {
		cfg.UserName = "you"
	}
	return &CLI{
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		agentName: cfg.AgentName,
		userName:  cfg.UserName,
		done:      make(chan struct{}),
	}
}

func (c *CLI) Name() string { return cliTransportID }

// ChannelID is the namespaced id of the terminal conversation.
func (c *CLI) ChannelID() string { return domain.JoinChannelID(cliTransportID, cliChannel) }

// Done is closed when the user quits or input ends.
func (c *CLI) Done() <-chan struct{} { return c.done }

// Start runs the REPL until ctx is cancelled, input ends, or the user quits.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	defer close(c.done)

	c.write("Type your message and press Enter. Type /quit to exit.\n> ")

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			c.stopThinking()
			return nil
		case err := <-errCh:
			c.stopThinking()
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.write("> ")
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				c.stopThinking()
				return nil
			}

			c.startThinking()
			bus.Publish(domain.Message{
				ID:            uuid.NewString(),
				ChannelID:     c.ChannelID(),
				AuthorID:      "local-user",
				AuthorName:    c.userName,
				Body:          line,
				CreatedAt:     time.Now(),
				MentionsAgent: true,
			})
		}
	}
}

func (c *CLI) write(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, s)
}

func (c *CLI) startThinking() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	stop := make(chan struct{})
	c.thinkStop = stop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.outMu.Lock()
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				c.outMu.Unlock()
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}

func (c *CLI) Stop() error { return nil }

// Deliver prints the agent's message. The terminal has no message ids, so a
// fresh one is minted.
func (c *CLI) Deliver(ctx context.Context, channelID, text, replyToID string) (string, error) {
	c.stopThinking()

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintf(c.out, "\r\033[K[%s] %s\n> ", c.agentName, text); err != nil {
		return "", fmt.Errorf("cli write: %w", err)
	}
	return uuid.NewString(), nil
}

// FetchRecent returns nothing: terminal sessions start empty.
func (c *CLI) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	return nil, nil
}
