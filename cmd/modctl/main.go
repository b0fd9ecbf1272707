// Command modctl inspects and changes rollout state directly against a
// modgate store. It is the offline counterpart of the /admin HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"tangled.org/arabica.social/modgate/internal/config"
	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/database/backend"
	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Error().Err(err).Msg("modctl failed")
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	app := &cli.App{
		Name:      "modctl",
		Usage:     "moderation rollout admin tool",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to modgate.toml",
				EnvVars: []string{"MODGATE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "store backend: memory, bolt, sqlite or redis",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "database file for the bolt and sqlite backends",
			},
			&cli.StringFlag{
				Name:  "deployment",
				Usage: "deployment whose rollout is read or changed",
			},
			&cli.StringFlag{
				Name:    "actor",
				Usage:   "operator recorded in the audit log",
				EnvVars: []string{"MODGATE_ACTOR", "USER"},
				Value:   "modctl",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
		},
		Before: func(cctx *cli.Context) error {
			if cctx.Bool("debug") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}
			return nil
		},
	}

	app.Commands = []*cli.Command{
		statusCmd,
		validateCmd,
		advanceCmd,
		modeCmd,
		wouldEnforceCmd,
		forecastCmd,
		countersCmd,
		thresholdCmd,
		auditCmd,
	}
	return app
}

// session is an engine bound to an open store for the life of one command.
type session struct {
	engine     *moderation.Engine
	store      database.Store
	deployment string
	actor      string
}

func (s *session) Close() error {
	return s.store.Close()
}

// openSession loads the config, applies flag overrides and opens the store.
// Read-only commands open file stores with a shared lock so they can run
// next to a live server.
func openSession(cctx *cli.Context, readOnly bool) (*session, error) {
	cfg, _, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cctx.String("store"); v != "" {
		cfg.Store.Backend = v
	}
	if v := cctx.String("db-path"); v != "" {
		cfg.Store.Path = v
	}
	if v := cctx.String("deployment"); v != "" {
		cfg.Rollout.Deployment = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := backend.Open(cctx.Context, cfg, backend.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, err
	}
	return &session{
		engine:     moderation.NewEngine(store, cfg.EngineOptions()),
		store:      store,
		deployment: cfg.Rollout.Deployment,
		actor:      cctx.String("actor"),
	}, nil
}

// withSession runs fn with an open session and closes it afterwards.
func withSession(readOnly bool, fn func(ctx context.Context, cctx *cli.Context, s *session) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		s, err := openSession(cctx, readOnly)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cctx.Context, cctx, s)
	}
}

func printJSON(cctx *cli.Context, v any) error {
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "show the effective rollout config and authority",
	Action: withSession(true, func(ctx context.Context, cctx *cli.Context, s *session) error {
		cfg := s.engine.Config(ctx, s.deployment)
		return printJSON(cctx, map[string]any{
			"deployment":   s.deployment,
			"config":       cfg,
			"currentPhase": cfg.CurrentPhase(),
			"primary":      s.engine.Authority(ctx).Primary(),
		})
	}),
}

var validateCmd = &cli.Command{
	Name:      "validate",
	Usage:     "check a phase transition without applying it",
	ArgsUsage: "<target>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "current",
			Usage: "starting phase (default: the effective phase)",
			Value: -1,
		},
	},
	Action: withSession(true, func(ctx context.Context, cctx *cli.Context, s *session) error {
		target, err := phaseArg(cctx)
		if err != nil {
			return err
		}
		current := cctx.Int("current")
		if current < 0 {
			current = s.engine.CurrentPhase(ctx, s.deployment)
		}
		if err := s.engine.ValidatePhaseTransition(current, target); err != nil {
			return fmt.Errorf("%d -> %d: %w", current, target, err)
		}
		_, err = fmt.Fprintf(cctx.App.Writer, "%d -> %d: ok\n", current, target)
		return err
	}),
}

var advanceCmd = &cli.Command{
	Name:      "advance",
	Usage:     "move the deployment to another rollout phase",
	ArgsUsage: "<target>",
	Action: withSession(false, func(ctx context.Context, cctx *cli.Context, s *session) error {
		target, err := phaseArg(cctx)
		if err != nil {
			return err
		}
		cfg, err := s.engine.AdvancePhase(ctx, s.deployment, target, s.actor)
		if err != nil {
			return err
		}
		return printJSON(cctx, cfg)
	}),
}

var modeCmd = &cli.Command{
	Name:      "mode",
	Usage:     "switch between SHADOW and LIVE",
	ArgsUsage: "<shadow|live>",
	Action: withSession(false, func(ctx context.Context, cctx *cli.Context, s *session) error {
		mode := moderation.Mode(strings.ToUpper(cctx.Args().First()))
		if !mode.Valid() {
			return fmt.Errorf("mode must be SHADOW or LIVE, got %q", cctx.Args().First())
		}
		cfg, err := s.engine.SetMode(ctx, s.deployment, mode, s.actor)
		if err != nil {
			return err
		}
		return printJSON(cctx, cfg)
	}),
}

var wouldEnforceCmd = &cli.Command{
	Name:      "would-enforce",
	Usage:     "report what would happen to an action now and once enabled",
	ArgsUsage: "<action>",
	Action: withSession(true, func(ctx context.Context, cctx *cli.Context, s *session) error {
		a := moderation.Action(strings.ToUpper(cctx.Args().First()))
		if !a.Valid() {
			return fmt.Errorf("unknown action %q", cctx.Args().First())
		}
		return printJSON(cctx, s.engine.WouldEnforce(ctx, s.deployment, a))
	}),
}

var forecastCmd = &cli.Command{
	Name:      "forecast",
	Usage:     "project one more violation for a user without writing anything",
	ArgsUsage: "<user>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "category", Value: string(moderation.CategoryPost)},
		&cli.StringFlag{Name: "violation-type"},
	},
	Action: withSession(true, func(ctx context.Context, cctx *cli.Context, s *session) error {
		user, err := userArg(cctx)
		if err != nil {
			return err
		}
		cat := moderation.ParseCategory(strings.ToLower(cctx.String("category")))
		p, err := s.engine.Forecast(ctx, user, cat, cctx.String("violation-type"))
		if err != nil {
			return err
		}
		return printJSON(cctx, p)
	}),
}

var countersCmd = &cli.Command{
	Name:      "counters",
	Usage:     "show a user's persisted counters",
	ArgsUsage: "<user>",
	Action: withSession(true, func(ctx context.Context, cctx *cli.Context, s *session) error {
		user, err := userArg(cctx)
		if err != nil {
			return err
		}
		c, err := s.engine.Counters(ctx, user)
		if err != nil {
			return err
		}
		return printJSON(cctx, c)
	}),
}

var thresholdCmd = &cli.Command{
	Name:      "threshold",
	Usage:     "apply the risk threshold to a user",
	ArgsUsage: "<user>",
	Action: withSession(false, func(ctx context.Context, cctx *cli.Context, s *session) error {
		user, err := userArg(cctx)
		if err != nil {
			return err
		}
		r := s.engine.ApplyThreshold(ctx, user, s.actor)
		if r.Err != nil {
			return r.Err
		}
		return printJSON(cctx, r)
	}),
}

var auditCmd = &cli.Command{
	Name:  "audit",
	Usage: "list the newest audit entries",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "user", Usage: "only entries about this user"},
		&cli.IntFlag{Name: "limit", Value: 50},
	},
	Action: withSession(true, func(ctx context.Context, cctx *cli.Context, s *session) error {
		entries, err := s.engine.ListAudit(ctx, cctx.String("user"), cctx.Int("limit"))
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-18s actor=%s", e.Timestamp.Format(time.RFC3339), e.Action, e.ActorID)
			if e.SubjectUserID != "" {
				line += " user=" + e.SubjectUserID
			}
			if e.Reason != "" {
				line += " reason=" + e.Reason
			}
			if _, err := fmt.Fprintln(cctx.App.Writer, line); err != nil {
				return err
			}
		}
		return nil
	}),
}

func phaseArg(cctx *cli.Context) (int, error) {
	if cctx.Args().Len() != 1 {
		return 0, fmt.Errorf("expected exactly one phase argument")
	}
	target, err := strconv.Atoi(cctx.Args().First())
	if err != nil {
		return 0, fmt.Errorf("phase must be an integer: %w", err)
	}
	return target, nil
}

func userArg(cctx *cli.Context) (string, error) {
	user := strings.TrimSpace(cctx.Args().First())
	if user == "" {
		return "", fmt.Errorf("expected a user id")
	}
	return user, nil
}
