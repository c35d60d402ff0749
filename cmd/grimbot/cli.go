package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/grimbot/internal/bot"
	"github.com/hpungsan/grimbot/internal/chat"
	"github.com/hpungsan/grimbot/internal/config"
	"github.com/hpungsan/grimbot/internal/dice"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/logging"
	"github.com/hpungsan/grimbot/internal/mcp"
	"github.com/hpungsan/grimbot/internal/store"
	"github.com/hpungsan/grimbot/internal/web"
)

// exitFatal is the exit status after a corrupt store stopped the bot.
const exitFatal = 2

// cliEnv holds the streams commands read from and write to.
type cliEnv struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(in io.Reader, out, errOut io.Writer) *cli.App {
	env := &cliEnv{in: in, out: out, errOut: errOut}

	app := &cli.App{
		Name:      "grimbot",
		Usage:     "Dice, characters and groups for Between Clouds games",
		Version:   Version,
		Reader:    in,
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, EnvVars: []string{"GRIMBOT_HOME"}, Usage: "Base directory for config.json, .env and data (default ~/.grimbot)"},
			&cli.Int64Flag{Name: "seed", Usage: "Fixed dice seed (default: random)"},
		},
		Commands: []*cli.Command{
			consoleCmd(env),
			mcpCmd(env),
			webCmd(env),
			sayCmd(env),
			rollCmd(env),
			storeCmd(env),
			bucketsCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// consoleCmd creates the console command.
func consoleCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "console",
		Usage: "Chat with the bot on stdin, one message per line",
		Flags: append([]cli.Flag{
			&cli.Uint64Flag{Name: "user-id", Value: 1, Usage: "Author ID of typed messages"},
			&cli.StringFlag{Name: "user-name", Value: "console", Usage: "Author name of typed messages"},
			&cli.Uint64Flag{Name: "channel-id", Value: 1, Usage: "Channel of typed messages"},
			&cli.Uint64Flag{Name: "guild-id", Usage: "Guild of the channel (0: direct messages)"},
		}, webFlags()...),
		Action: func(c *cli.Context) error {
			b, logger, err := openBot(c, env)
			if err != nil {
				return outputError(err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			console := chat.NewConsole(env.in, env.out, c.Uint64("user-id"), c.String("user-name"), c.Uint64("channel-id"))
			if g := c.Uint64("guild-id"); g != 0 {
				console.GuildID = &g
			}

			srv, err := optionalWeb(c, b, logger)
			if err != nil {
				b.Close()
				return outputError(err)
			}

			// Messages outlive the console: EOF stops reading, Close drains.
			return serveBot(ctx, b, logger, func(runCtx context.Context) error {
				return console.Run(runCtx, func(_ context.Context, msg chat.Message, r chat.Responder) {
					if err := b.Handle(ctx, msg, r); err != nil {
						logger.Warn("message dropped", logging.Error(err))
					}
				})
			}, srv)
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the bot as MCP tools over stdio",
		Flags: webFlags(),
		Action: func(c *cli.Context) error {
			b, logger, err := openBot(c, env)
			if err != nil {
				return outputError(err)
			}
			if unknown := mcp.ValidateDisabledTools(b.Config().DisabledTools); len(unknown) > 0 {
				logger.Warn("ignoring unknown disabled tools", slog.Any("tools", unknown))
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := optionalWeb(c, b, logger)
			if err != nil {
				b.Close()
				return outputError(err)
			}

			return serveBot(ctx, b, logger, func(runCtx context.Context) error {
				return mcp.Serve(runCtx, b, Version, env.in, env.out)
			}, srv)
		},
	}
}

// webCmd creates the web command.
func webCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Serve the read-only status UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8750, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			b, logger, err := openBot(c, env)
			if err != nil {
				return outputError(err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := web.NewServer(b, logger, c.String("bind"), c.Int("port"))
			if err != nil {
				b.Close()
				return outputError(err)
			}

			return serveBot(ctx, b, logger, func(runCtx context.Context) error {
				return web.Run(runCtx, srv, logger)
			}, nil)
		},
	}
}

// sayOutput is the result of one message sent with say.
type sayOutput struct {
	Outcome        string   `json:"outcome"`
	Command        string   `json:"command,omitempty"`
	Replies        []string `json:"replies"`
	Reactions      []string `json:"reactions,omitempty"`
	DirectMessages []string `json:"direct_messages,omitempty"`
}

// sayCmd creates the say command.
func sayCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "say",
		Usage:     "Send one message to the bot and print what it did",
		ArgsUsage: "<message...>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "user-id", Value: 1, Usage: "Author ID"},
			&cli.Uint64Flag{Name: "channel-id", Value: 1, Usage: "Channel ID"},
		},
		Action: func(c *cli.Context) error {
			content := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(content) == "" {
				return outputError(errors.NewParse(errors.ParseMissingArgument, "message is required"))
			}

			b, _, err := openBot(c, env)
			if err != nil {
				return outputError(err)
			}

			userID := c.Uint64("user-id")
			rec := &chat.Recorder{}
			out, err := b.HandleSync(c.Context, chat.NewMessage(userID, "cli", c.Uint64("channel-id"), content), rec)
			if closeErr := b.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return outputError(err)
			}

			replies := rec.Replies()
			if replies == nil {
				replies = []string{}
			}
			return outputJSON(env.out, sayOutput{
				Outcome:        out.Kind.String(),
				Command:        out.Command,
				Replies:        replies,
				Reactions:      rec.Reactions(),
				DirectMessages: rec.DirectMessages(userID),
			})
		},
	}
}

// rollOutput is a rolled expression.
type rollOutput struct {
	Text      string `json:"text"`
	Mode      string `json:"mode"`
	Rolls     []int  `json:"rolls"`
	Total     int    `json:"total"`
	Successes int    `json:"successes"`
}

// rollCmd creates the roll command. It needs no store.
func rollCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:      "roll",
		Usage:     "Roll dice: NdS, N, or N kirin",
		ArgsUsage: "<expression>",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return outputError(err)
			}
			roller, err := newRoller(c, cfg)
			if err != nil {
				return outputError(err)
			}

			out, err := roller.Roll(strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(env.out, rollOutput{
				Text:      out.String(),
				Mode:      string(out.Mode),
				Rolls:     out.Rolls,
				Total:     out.Total,
				Successes: out.Successes,
			})
		},
	}
}

// storeCmd creates the store command group.
func storeCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "store",
		Usage: "Inspect stored characters and groups",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print one entity",
				ArgsUsage: "<characters|groups> <name>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return outputError(errors.NewParse(errors.ParseMissingArgument, "kind and name are required"))
					}
					kind, key := c.Args().Get(0), c.Args().Get(1)

					b, _, err := openBot(c, env)
					if err != nil {
						return outputError(err)
					}
					defer b.Close()

					v, ok, err := b.Entity(c.Context, kind, key)
					if err != nil {
						return outputError(err)
					}
					if !ok {
						return outputError(errors.NewNotFound(strings.TrimSuffix(kind, "s"), key))
					}
					return outputJSON(env.out, v)
				},
			},
			{
				Name:      "list",
				Usage:     "List entity keys",
				ArgsUsage: "<characters|groups>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return outputError(errors.NewParse(errors.ParseMissingArgument, "kind is required"))
					}

					b, _, err := openBot(c, env)
					if err != nil {
						return outputError(err)
					}
					defer b.Close()

					keys, err := b.EntityKeys(c.Context, c.Args().First())
					if err != nil {
						return outputError(err)
					}
					if keys == nil {
						keys = []string{}
					}
					return outputJSON(env.out, keys)
				},
			},
			{
				Name:      "export",
				Usage:     "Write every entity to a .jsonl file in the export directory",
				ArgsUsage: "[file]",
				Action: func(c *cli.Context) error {
					b, _, err := openBot(c, env)
					if err != nil {
						return outputError(err)
					}
					defer b.Close()

					out, err := b.Export(c.Context, c.Args().First())
					if err != nil {
						return outputError(err)
					}
					return outputJSON(env.out, out)
				},
			},
			{
				Name:      "import",
				Usage:     "Load entities from a .jsonl file in the export directory",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Value: string(store.ConflictFail), Usage: "On existing keys: error, replace, or skip"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return outputError(errors.NewParse(errors.ParseMissingArgument, "file is required"))
					}

					b, _, err := openBot(c, env)
					if err != nil {
						return outputError(err)
					}
					defer b.Close()

					out, err := b.Import(c.Context, c.Args().First(), store.Conflict(c.String("mode")))
					if err != nil {
						return outputError(err)
					}
					if err := outputJSON(env.out, out); err != nil {
						return err
					}
					if len(out.Errors) > 0 && out.Imported == 0 && out.Skipped == 0 {
						return cli.Exit(fmt.Sprintf("[%s] nothing imported: %d problem(s)", out.Errors[0].Code, len(out.Errors)), 1)
					}
					return nil
				},
			},
		},
	}
}

// bucketOutput describes one configured bucket.
type bucketOutput struct {
	ID               string   `json:"id"`
	Capacity         int      `json:"capacity"`
	WindowSeconds    float64  `json:"window_seconds"`
	Scope            string   `json:"scope"`
	QueueDepth       int      `json:"queue_depth"`
	PostDelaySeconds float64  `json:"post_delay_seconds"`
	Commands         []string `json:"commands"`
}

// bucketsCmd creates the buckets command.
func bucketsCmd(env *cliEnv) *cli.Command {
	return &cli.Command{
		Name:  "buckets",
		Usage: "Print the configured rate-limit buckets",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return outputError(err)
			}

			users := make(map[string][]string)
			for cmd, id := range cfg.CommandBuckets {
				if id != "" {
					users[id] = append(users[id], cmd)
				}
			}

			buckets := bot.BucketConfigs(cfg)
			out := make([]bucketOutput, len(buckets))
			for i, bc := range buckets {
				cmds := users[bc.ID]
				sort.Strings(cmds)
				if cmds == nil {
					cmds = []string{}
				}
				out[i] = bucketOutput{
					ID:               bc.ID,
					Capacity:         bc.Capacity,
					WindowSeconds:    bc.Window.Seconds(),
					Scope:            string(bc.Scope),
					QueueDepth:       bc.QueueDepth,
					PostDelaySeconds: bc.PostDelay.Seconds(),
					Commands:         cmds,
				}
			}
			return outputJSON(env.out, out)
		},
	}
}

// webFlags enable the status UI alongside a transport.
func webFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "web-port", Usage: "Also serve the status UI on this port (0: off)"},
		&cli.StringFlag{Name: "web-bind", Value: "127.0.0.1", Usage: "Address for the status UI"},
	}
}

func optionalWeb(c *cli.Context, b *bot.Bot, logger *slog.Logger) (*http.Server, error) {
	port := c.Int("web-port")
	if port == 0 {
		return nil, nil
	}
	return web.NewServer(b, logger, c.String("web-bind"), port)
}

// serveBot runs transport (and srv, if any) until transport returns, ctx
// ends, or the bot reports a fatal error. The bot is always closed.
func serveBot(ctx context.Context, b *bot.Bot, logger *slog.Logger, transport func(context.Context) error, srv *http.Server) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return transport(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-b.Fatal():
			return fatalError(err)
		}
	})
	if srv != nil {
		g.Go(func() error {
			return web.Run(gctx, srv, logger)
		})
	}

	runErr := g.Wait()
	if err := b.Close(); err != nil {
		logger.Error("close failed", logging.Error(err))
		if runErr == nil {
			runErr = outputError(err)
		}
	}

	// A message drained by Close may still have hit corrupt data.
	if runErr == nil {
		select {
		case err := <-b.Fatal():
			runErr = fatalError(err)
		default:
		}
	}
	if runErr != nil && !isExit(runErr) {
		runErr = outputError(runErr)
	}
	return runErr
}

// openBot loads configuration and builds the bot with a logger on stderr.
func openBot(c *cli.Context, env *cliEnv) (*bot.Bot, *slog.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(env.errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	opts := []bot.Option{bot.WithLogger(logger)}
	if c.IsSet("seed") {
		opts = append(opts, bot.WithRoller(dice.NewRoller(c.Int64("seed"), cfg.MaxDice)))
	}

	b, err := bot.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return b, logger, nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	dir, err := baseDir(c)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newRoller(c *cli.Context, cfg *config.Config) (*dice.Roller, error) {
	if c.IsSet("seed") {
		return dice.NewRoller(c.Int64("seed"), cfg.MaxDice), nil
	}
	return dice.NewRandomRoller(cfg.MaxDice)
}

// baseDir returns --dir, or ~/.grimbot.
func baseDir(c *cli.Context) (string, error) {
	if dir := c.String("dir"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".grimbot"), nil
}

// Helper functions

// outputJSON writes v to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if bErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", bErr.Code, bErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

func fatalError(err error) error {
	return cli.Exit(fmt.Sprintf("stopping: %v", err), exitFatal)
}

func isExit(err error) bool {
	var ec cli.ExitCoder
	return stderrors.As(err, &ec)
}

// exitCode picks the process status for err.
func exitCode(err error) int {
	var ec cli.ExitCoder
	if stderrors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}
