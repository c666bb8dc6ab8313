package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/searchcore/internal/session"
)

type crawlFlags struct {
	maxPages int
	maxDepth int
	spa      bool
	noRobots bool
	wait     bool
}

// newCrawlCmd creates the 'crawl' subcommand. It runs one session in this
// process and prints the final session record as JSON.
func newCrawlCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl <url> [url...]",
		Short: "Run a crawl session from seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args, flags)
		},
	}
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "page budget (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", -1, "link depth limit (-1 uses the configured default)")
	cmd.Flags().BoolVar(&flags.spa, "spa", false, "render pages with the headless browser")
	cmd.Flags().BoolVar(&flags.noRobots, "ignore-robots", false, "skip robots.txt checks")
	cmd.Flags().BoolVar(&flags.wait, "wait", true, "block until the session finishes")
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string, flags *crawlFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req := session.Request{URL: args[0], URLs: args[1:]}
	if flags.maxPages > 0 {
		req.MaxPages = &flags.maxPages
	}
	if flags.maxDepth >= 0 {
		req.MaxDepth = &flags.maxDepth
	}
	if cmd.Flags().Changed("spa") {
		req.SPA = &flags.spa
	}
	if flags.noRobots {
		respect := false
		req.RespectRobots = &respect
	}

	sess, err := appInstance.Crawl(cmd.Context(), req, flags.wait)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}
