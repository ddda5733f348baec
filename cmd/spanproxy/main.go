package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/metrics"
	"github.com/spanproxy/spanproxy/pkg/pgwire"
	"github.com/spanproxy/spanproxy/pkg/rewrite"
	"github.com/spanproxy/spanproxy/pkg/util/log"
)

var (
	project      string
	instance     string
	database     string
	credentials  string
	port         int
	authRequired bool
	psqlMode     bool
	textFormat   string
	forceBinary  bool
	rewritesPath string
	metricsAddr  string
	verbosity    int
)

var rootCmd = &cobra.Command{
	Use:   "spanproxy",
	Short: "PostgreSQL wire protocol proxy for Cloud Spanner",
	Long: `spanproxy accepts PostgreSQL client connections and re-expresses each
statement against a Cloud Spanner database, so existing PostgreSQL
drivers and tools can talk to Spanner unchanged.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&project, "project", "p", "", "Google Cloud project id")
	flags.StringVarP(&instance, "instance", "i", "", "Spanner instance id")
	flags.StringVarP(&database, "database", "d", "", "Spanner database name")
	flags.StringVarP(&credentials, "credentials", "c", "", "path to a service account credentials file")
	flags.IntVarP(&port, "port", "s", 5432, "port to listen on for PostgreSQL connections")
	flags.BoolVarP(&authRequired, "auth", "a", false, "require a (non-validated) password exchange during startup")
	flags.BoolVarP(&psqlMode, "psql", "q", false, "enable translations for psql introspection meta-commands")
	flags.StringVarP(&textFormat, "format", "f", "POSTGRESQL", "text result format: POSTGRESQL or SPANNER")
	flags.BoolVarP(&forceBinary, "force-binary", "b", false, "return binary results when the client leaves the result format unspecified")
	flags.StringVarP(&rewritesPath, "rewrites", "j", "", "path to a JSON file with query rewrite rules")
	flags.StringVarP(&metricsAddr, "metrics", "m", "", "address to expose Prometheus metrics on (disabled when empty)")
	flags.CountVarP(&verbosity, "verbose", "v", "increase log verbosity")

	for _, name := range []string{"project", "instance", "database"} {
		cobra.CheckErr(rootCmd.MarkFlagRequired(name))
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.CreateLogger("spanproxy", verbosity)
	ctx := cmd.Context()

	var defaultFormat pgwire.DataFormat
	switch strings.ToUpper(textFormat) {
	case "POSTGRESQL":
		defaultFormat = pgwire.FormatPgText
	case "SPANNER":
		defaultFormat = pgwire.FormatNativeText
	default:
		return fmt.Errorf("unknown text format %q: expected POSTGRESQL or SPANNER", textFormat)
	}

	var rules rewrite.Rules
	if rewritesPath != "" {
		var err error
		if rules, err = rewrite.Load(rewritesPath); err != nil {
			return err
		}
		logger.Info("loaded rewrite rules", "path", rewritesPath, "count", len(rules))
	}

	exec, err := executor.NewSpanner(ctx, executor.SpannerOptions{
		Project:         project,
		Instance:        instance,
		Database:        database,
		CredentialsFile: credentials,
	})
	if err != nil {
		return err
	}
	defer exec.Close()

	if metricsAddr != "" {
		metrics.Register()
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				logger.Error(err, "metrics endpoint failed")
			}
		}()
	}

	server := pgwire.NewServer(pgwire.Options{
		Address:       fmt.Sprintf(":%d", port),
		Executor:      exec,
		Rules:         rules,
		PsqlMode:      psqlMode,
		AuthRequired:  authRequired,
		DefaultFormat: defaultFormat,
		ForceBinary:   forceBinary,
		Logger:        logger,
	})
	if err := server.Start(); err != nil {
		return err
	}

	// Wait on signal before shutting down.
	<-ctx.Done()
	logger.Info("signal received, shutting down")

	if err := server.Stop(); err != nil {
		return err
	}
	logger.Info("spanproxy shutdown complete")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
