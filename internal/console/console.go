// Package console implements the sandbox's interactive numbered menu.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/zhaori96/krot/v2"
	"github.com/zhaori96/krot/v2/internal/activation"
	"github.com/zhaori96/krot/v2/jwks"
	"github.com/zhaori96/krot/v2/token"
)

// Task is one menu entry.
type Task struct {
	Prompt string
	Run    func(ctx context.Context, c *Console) error
}

// TokenSettings are the claim expectations and lifetimes the tasks use.
type TokenSettings struct {
	// Issuer replaces the iss of the sample documents when set.
	Issuer string

	ActivationAudience []string
	GetAudience        []string
	SetAudience        []string
	ActivationShortTTL time.Duration
	ActivationLongTTL  time.Duration
	EntitlementTTL     time.Duration
}

type Options struct {
	In  io.Reader
	Out io.Writer

	Rotator *krot.Rotator
	Codec   *token.Codec
	Fetcher *jwks.Fetcher
	Parser  *activation.Parser
	Tokens  TokenSettings

	// KeySetURL is offered as the default remote key set. Empty means this
	// process's own key set.
	KeySetURL string

	Clock  clock.Clock
	Logger *zap.Logger
}

type Console struct {
	in  *bufio.Reader
	out io.Writer

	rotator   *krot.Rotator
	codec     *token.Codec
	fetcher   *jwks.Fetcher
	parser    *activation.Parser
	tokens    TokenSettings
	keySetURL string

	clock  clock.Clock
	logger *zap.Logger

	tasks []Task
}

func New(opts Options) *Console {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = jwks.NewFetcher(jwks.FetcherOptions{Logger: opts.Logger})
	}
	if opts.Parser == nil {
		opts.Parser = activation.NewParser("", "")
	}

	c := &Console{
		in:        bufio.NewReader(opts.In),
		out:       opts.Out,
		rotator:   opts.Rotator,
		codec:     opts.Codec,
		fetcher:   opts.Fetcher,
		parser:    opts.Parser,
		tokens:    opts.Tokens,
		keySetURL: opts.KeySetURL,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	c.tasks = defaultTasks(c.tokens)

	return c
}

// Tasks returns the menu entries, Exit excluded.
func (c *Console) Tasks() []Task {
	return c.tasks
}

// Run shows the menu until Exit is chosen, the input ends or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	prompt := c.menu()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		c.print(prompt)

		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		choice, err := strconv.Atoi(line)
		if err != nil {
			c.println("Error: not a number.")
			continue
		}

		exit := len(c.tasks) + 1
		switch {
		case choice == exit:
			return nil
		case choice < 1 || choice > exit:
			c.println("Error: not a valid option.")
			continue
		}

		task := c.tasks[choice-1]
		if err := task.Run(ctx, c); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			c.logger.Warn("console task failed", zap.String("task", task.Prompt), zap.Error(err))
			c.printf("Error: %v\n\n", err)
		}
	}
}

func (c *Console) menu() string {
	var sb strings.Builder
	for i, task := range c.tasks {
		fmt.Fprintf(&sb, "\t%2d %s\n", i+1, task.Prompt)
	}
	fmt.Fprintf(&sb, "\t%2d %s\n", len(c.tasks)+1, "Exit")
	sb.WriteString("\n==> ")

	return sb.String()
}

// readLine returns the next input line without its line ending. A final line
// without a newline is returned before io.EOF.
func (c *Console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}

	return strings.TrimSpace(line), nil
}

func (c *Console) ask(prompt string) (string, error) {
	c.print(prompt)
	return c.readLine()
}

func (c *Console) print(s string) {
	_, _ = io.WriteString(c.out, s)
}

func (c *Console) println(s string) {
	_, _ = io.WriteString(c.out, s+"\n")
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}
