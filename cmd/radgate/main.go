package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhe/radgate/pkg/api"
	"github.com/mhe/radgate/pkg/client"
	"github.com/mhe/radgate/pkg/config"
	"github.com/mhe/radgate/pkg/fortigate"
	"github.com/mhe/radgate/pkg/ingest"
	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/mail"
	"github.com/mhe/radgate/pkg/metrics"
	"github.com/mhe/radgate/pkg/portmatrix"
	"github.com/mhe/radgate/pkg/radius"
	"github.com/mhe/radgate/pkg/reconciler"
	"github.com/mhe/radgate/pkg/report"
	"github.com/mhe/radgate/pkg/starrocks"
	"github.com/mhe/radgate/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "radgate",
	Short: "Radgate - per-subscriber firewall policy control plane",
	Long: `Radgate drives per-subscriber firewall policies on a FortiGate fleet
from RADIUS accounting, and ships the resulting UTM event stream into an
analytical store with daily email reports.

Each subcommand runs one service of the pipeline.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
		metrics.SetVersion(Version)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Radgate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(snifferCmd)
	rootCmd.AddCommand(ingesterCmd)
	rootCmd.AddCommand(reporterCmd)
}

// runUntilSignal starts the service loop and blocks until SIGINT/SIGTERM or
// a loop error, then runs the shutdown hook with a 10 s budget.
func runUntilSignal(start func(ctx context.Context) error, stop func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if stop != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := stop(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Run the relational store service (profiles, sessions, admission, queries)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.MySQL.DSN())
		if err != nil {
			metrics.RegisterComponent("mysql", false, err.Error())
			return fmt.Errorf("connecting to mysql: %w", err)
		}
		defer st.Close()
		metrics.RegisterComponent("mysql", true, "")

		collector := metrics.NewCollector(st)
		collector.Start()
		defer collector.Stop()

		srv := api.NewServer(api.Config{
			Store:     st,
			Signals:   client.NewSignalClient(fmt.Sprintf("%s:%d", cfg.AEHost, cfg.AEPort)),
			Keepalive: client.NewKeepaliveClient(fmt.Sprintf("%s:%d", cfg.AppHost, cfg.AppPort)),
		}, fmt.Sprintf(":%d", cfg.DBPort))
		metrics.RegisterComponent("api", true, "")

		return runUntilSignal(
			func(ctx context.Context) error {
				return ignoreServerClosed(srv.ListenAndServe())
			},
			srv.Shutdown,
		)
	},
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the policy reconciler driving the FortiGate fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		matrix, err := portmatrix.Load(cfg.PortsFile)
		if err != nil {
			return fmt.Errorf("loading port catalogue: %w", err)
		}
		metrics.RegisterComponent("portmatrix", true, "")

		storeClient := client.NewStoreClient(fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort))
		engine := reconciler.NewEngine(reconciler.Config{
			Gateway:                  fortigate.NewClient(cfg.APIToken),
			Query:                    storeClient,
			Recorder:                 storeClient,
			Matrix:                   matrix,
			FortiGate:                cfg.FortiGate,
			DeleteKeepsSharedService: cfg.DeleteKeepsSharedService,
		})
		metrics.RegisterComponent("gateway", true, "")

		srv := reconciler.NewServer(engine, fmt.Sprintf(":%d", cfg.AEPort))
		return runUntilSignal(
			func(ctx context.Context) error {
				return ignoreServerClosed(srv.ListenAndServe())
			},
			srv.Shutdown,
		)
	},
}

var snifferCmd = &cobra.Command{
	Use:   "sniffer",
	Short: "Run the RADIUS accounting observer on UDP/1813",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		obs := radius.NewObserver(radius.Config{
			Secret:    string(cfg.RadiusSecret),
			FortiGate: cfg.FortiGate,
			Admission: client.NewStoreClient(fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort)),
		})
		metrics.RegisterComponent("observer", true, "")

		return runUntilSignal(obs.Run, nil)
	},
}

var ingesterCmd = &cobra.Command{
	Use:   "ingester",
	Short: "Run the UTM syslog ingester on UDP/514",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ing := ingest.NewIngester(ingest.Config{
			Loader: starrocks.NewClient(starrocks.Config{
				Host:     cfg.StarRocks.Host,
				Port:     cfg.StarRocksHTTPPort,
				User:     cfg.StarRocks.User,
				Password: cfg.StarRocks.Password,
				Database: cfg.StarRocks.Database,
			}),
		})
		metrics.RegisterComponent("ingester", true, "")

		return runUntilSignal(ing.Run, nil)
	},
}

var reporterCmd = &cobra.Command{
	Use:   "reporter",
	Short: "Run the daily report scheduler and the token-protected report server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		analytics, err := starrocks.OpenAnalytics(cfg.StarRocks.DSN())
		if err != nil {
			metrics.RegisterComponent("starrocks", false, err.Error())
			return fmt.Errorf("connecting to analytical store: %w", err)
		}
		defer analytics.Close()
		metrics.RegisterComponent("starrocks", true, "")

		sender := mail.NewSender(mail.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			UseSSL:   cfg.SMTP.UseSSL,
			UseTLS:   cfg.SMTP.UseTLS,
			Timeout:  cfg.SMTP.Timeout,
		})

		rep := report.NewReporter(report.Config{
			Directory: client.NewLDAPClient(fmt.Sprintf("%s:%d", cfg.LDAPHost, cfg.LDAPPort)),
			Analytics: analytics,
			Sender:    sender,
			Secret:    cfg.EmailToken,
			LinkHost:  cfg.EmailHost,
			LinkPort:  cfg.EmailPort,
			SendTime:  cfg.ReportSendTime,
		})

		srv := report.NewServer(analytics, cfg.EmailToken, fmt.Sprintf(":%d", cfg.EmailPort))
		metrics.RegisterComponent("scheduler", true, "")

		return runUntilSignal(
			func(ctx context.Context) error {
				errCh := make(chan error, 1)
				go func() { errCh <- ignoreServerClosed(srv.ListenAndServe()) }()
				go func() { errCh <- rep.Run(ctx) }()
				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
					return nil
				}
			},
			srv.Shutdown,
		)
	},
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
