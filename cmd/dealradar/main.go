package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dealradar",
		Short:         "Crawl retail stores for deals and track their prices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(tickCmd())
	root.AddCommand(retryCmd())
	root.AddCommand(crawlCmd())
	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(storesCmd())
	root.AddCommand(dealsCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(jobsCmd())

	return root
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one admission-control pass and enqueue due crawls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd.Context())
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Enqueue retries for failed crawls whose backoff has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(cmd.Context())
		},
	}
}

func crawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl <store-id>",
		Short: "Crawl a store now and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), args[0])
		},
	}
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler, crawl executor and HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func storesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "Manage crawled stores",
	}

	var jsonOutput bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stores with deal counts and last job status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoresList(cmd.Context(), jsonOutput)
		},
	}
	list.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <name> <url>",
			Short: "Register a store",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStoresAdd(cmd.Context(), args[0], args[1])
			},
		},
		list,
		&cobra.Command{
			Use:   "rm <store-id>",
			Short: "Delete a store with its jobs and deals",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStoresRemove(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "robots <url>",
			Short: "Preview the robots.txt rules for a URL",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStoresRobots(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func dealsCmd() *cobra.Command {
	var (
		storeID    string
		sort       string
		limit      int
		offset     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "deals",
		Short: "Show deals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeals(cmd.Context(), storeID, sort, limit, offset, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&storeID, "store", "", "only deals from this store")
	cmd.Flags().StringVar(&sort, "sort", "biggestDrop", "newest, biggestDrop, price or all (empty: every deal, unfiltered)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max deals to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "deals to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func historyCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history <deal-id>",
		Short: "Show the price history of a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func jobsCmd() *cobra.Command {
	var (
		storeID    string
		status     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show crawl jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd.Context(), storeID, status, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&storeID, "store", "", "only jobs for this store")
	cmd.Flags().StringVar(&status, "status", "", "queued, running, done or failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "max jobs to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
