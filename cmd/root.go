package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/JakeFAU/searchcore/internal/config"
	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/indexer"
	"github.com/JakeFAU/searchcore/internal/server"
	"github.com/JakeFAU/searchcore/internal/session"
)

// Exit codes returned by Execute.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUnreachable = 2
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands use. Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Crawl(ctx context.Context, req session.Request, wait bool) (crawler.CrawlSession, error)
	Reindex(ctx context.Context) (int, indexer.Report, error)
	ShutdownTimeout() time.Duration
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// cli carries state shared by the root command's hooks.
type cli struct {
	cfgFile string
	app     App
}

// close releases the application if a command built one.
func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.app.ShutdownTimeout())
	defer cancel()
	err := c.app.Close(ctx)
	c.app = nil
	return err
}

func newRootCmd() (*cobra.Command, *cli) {
	state := &cli{}
	cmd := &cobra.Command{
		Use:   "searchcore",
		Short: "Crawl, index and rank web content.",
		Long: `searchcore runs crawl sessions against seed URLs, stores the pages it
fetches, keeps an in-memory inverted index in sync with the store, and serves
ranked search over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			state.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (YAML); env vars with the SEARCHCORE_ prefix override it")
	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newReindexCmd())
	return cmd, state
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI and returns the process exit code: 2 when the store
// could not be reached during startup, 1 for any other failure.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:])
}

func execute(ctx context.Context, args []string) int {
	root, state := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	err = multierr.Append(err, state.close())
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(root.ErrOrStderr(), "searchcore: %v\n", err)
	if errors.Is(err, server.ErrBackendUnreachable) {
		return exitUnreachable
	}
	return exitFailure
}
