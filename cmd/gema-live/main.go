// gema-live joins one event scope on a relay and prints the reconciled
// discussion list every time it changes. It is a thin terminal front end
// over the sync session and doubles as a smoke test against a running relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/noah-isme/gema-live/internal/config"
	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/middleware"
	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/service"
	"github.com/noah-isme/gema-live/internal/transport"
	"github.com/noah-isme/gema-live/pkg/collab"
)

type options struct {
	apiURL   string
	pushURL  string
	token    string
	userID   string
	role     string
	scope    string
	category string
	sort     string
	search   string
	post     string
	body     string
	verbose  bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	var opts options
	flagSet := pflag.NewFlagSet("gema-live", pflag.ContinueOnError)
	flagSet.StringVar(&opts.apiURL, "api", cfg.APIURL, "relay base url")
	flagSet.StringVar(&opts.pushURL, "push", cfg.PushURL, "relay push channel url")
	flagSet.StringVar(&opts.token, "token", cfg.Token, "bearer token; minted from GEMA_JWT_SECRET when empty")
	flagSet.StringVarP(&opts.userID, "user", "u", "", "user id to connect as")
	flagSet.StringVar(&opts.role, "role", "participant", "role claimed by a minted token")
	flagSet.StringVarP(&opts.scope, "scope", "s", "", "event scope to join")
	flagSet.StringVar(&opts.category, "category", "", "only list discussions in this category")
	flagSet.StringVar(&opts.sort, "sort", string(models.SortLatest), "listing order: latest, active or popular")
	flagSet.StringVarP(&opts.search, "query", "q", "", "only list discussions matching this text")
	flagSet.StringVar(&opts.post, "post", "", "post a discussion with this title after joining")
	flagSet.StringVar(&opts.body, "body", "", "body of the posted discussion")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg.APIURL = strings.TrimRight(opts.apiURL, "/")
	cfg.PushURL = opts.pushURL
	if err := cfg.RequireClient(); err != nil {
		return err
	}
	if opts.userID == "" || opts.scope == "" {
		return fmt.Errorf("--user and --scope are required")
	}

	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	token := opts.token
	if token == "" {
		token, err = middleware.IssueToken(cfg.JWTSecret, opts.userID, opts.role, nil)
		if err != nil {
			return fmt.Errorf("no token given and none could be minted: %w", err)
		}
	}

	client, err := collab.New(collab.Config{BaseURL: cfg.APIURL, Token: token, Logger: logger})
	if err != nil {
		return err
	}

	session, err := service.NewSession(cfg, transport.Credentials{UserID: opts.userID, Role: opts.role, Token: token}, service.SessionDeps{
		Source:    client,
		Writer:    client,
		Dialer:    websocket.DefaultDialer,
		Validator: validator.New(validator.WithRequiredStructEnabled()),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		return err
	}

	changes, unsubscribe := session.Watch(opts.scope)
	defer unsubscribe()

	filter := models.DiscussionFilter{Category: opts.category, Sort: models.SortOrder(opts.sort), Search: opts.search}
	if err := session.OpenScope(ctx, opts.scope, filter); err != nil {
		logger.Warn().Err(err).Str("scope_id", opts.scope).Msg("initial snapshot failed, showing cached state")
	}

	if opts.post != "" {
		if _, err := session.CreateDiscussion(ctx, opts.scope, dto.DiscussionCreateRequest{Title: opts.post, Body: opts.body}); err != nil {
			logger.Error().Err(err).Msg("post discussion failed")
		}
	}

	render(os.Stdout, session, opts.scope)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			render(os.Stdout, session, opts.scope)
		}
	}
}
