// Package cli drives the interactive text menus.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"ensaigpt/internal/account"
	"ensaigpt/internal/apperr"
	"ensaigpt/internal/conversation"
	"ensaigpt/internal/metrics"
	"ensaigpt/internal/stats"
)

type view int

const (
	viewHome view = iota
	viewMain
	viewConversation
)

const (
	feedPageSize = 20
	listLimit    = 50
	topTopics    = 5
)

var errQuit = errors.New("quit")

type App struct {
	in            *bufio.Scanner
	out           io.Writer
	accounts      *account.Service
	conversations *conversation.Service
	stats         *stats.Aggregator
	exportDir     string
	maxFailures   int
	logger        zerolog.Logger
	metrics       *metrics.Metrics

	view    view
	session *account.Session
	current int64
}

type Config struct {
	In            io.Reader
	Out           io.Writer
	Accounts      *account.Service
	Conversations *conversation.Service
	Stats         *stats.Aggregator
	ExportDir     string
	// MaxFailures is the number of consecutive unexpected errors tolerated
	// before Run gives up.
	MaxFailures int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *App {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &App{
		in:            bufio.NewScanner(cfg.In),
		out:           cfg.Out,
		accounts:      cfg.Accounts,
		conversations: cfg.Conversations,
		stats:         cfg.Stats,
		exportDir:     cfg.ExportDir,
		maxFailures:   cfg.MaxFailures,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

// Run shows menus until the user quits, input ends or ctx is cancelled.
// User mistakes are printed and the current view is kept. Unexpected errors
// send the user back home; after MaxFailures of them in a row Run returns.
func (a *App) Run(ctx context.Context) error {
	a.println("Bienvenue sur ensaiGPT.")
	failures := 0
	for {
		if ctx.Err() != nil {
			a.closeSession(context.Background())
			return nil
		}

		err := a.step(ctx)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, errQuit), errors.Is(err, io.EOF):
			a.closeSession(ctx)
			a.println("Au revoir !")
			return nil
		case apperr.IsUserFacing(err):
			failures = 0
			a.printf("Erreur : %s\n", userMessage(err))
		default:
			failures++
			a.metrics.CLIErrors.Inc()
			a.logger.Error().Err(err).Int("failures", failures).Msg("unexpected error in menu loop")
			a.println("Une erreur inattendue est survenue, retour à l'accueil.")
			a.closeSession(ctx)
			if failures >= a.maxFailures {
				return fmt.Errorf("too many consecutive failures: %w", err)
			}
		}
	}
}

func (a *App) step(ctx context.Context) error {
	switch a.view {
	case viewMain:
		return a.mainView(ctx)
	case viewConversation:
		return a.conversationView(ctx)
	default:
		return a.homeView(ctx)
	}
}

// closeSession logs out, if needed, and resets to the home view.
func (a *App) closeSession(ctx context.Context) {
	if a.session != nil {
		if err := a.accounts.Logout(ctx, *a.session); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close session")
		}
	}
	a.session = nil
	a.current = 0
	a.view = viewHome
}

func (a *App) readLine(prompt string) (string, error) {
	a.printf("%s", prompt)
	if !a.in.Scan() {
		if err := a.in.Err(); err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return "", io.EOF
	}
	return strings.TrimSpace(a.in.Text()), nil
}

func (a *App) readID(prompt string) (int64, error) {
	raw, err := a.readLine(prompt)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("%q is not a valid number", raw)
	}
	return id, nil
}

func (a *App) menu(title string, options []string) (string, error) {
	a.printf("\n== %s ==\n", title)
	for _, o := range options {
		a.println(o)
	}
	return a.readLine("> ")
}

func (a *App) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}

func (a *App) println(s string) {
	_, _ = fmt.Fprintln(a.out, s)
}

func userMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
