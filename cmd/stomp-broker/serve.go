package main

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/config"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/event"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/hub"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/metrics"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/server"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/store"
)

var (
	serveCfg config.Config
	serveCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start the broker",
		Long:    `Start the broker with the specified configuration. Every flag can also be set through an environment variable named TOPICLINE_<flag> (e.g. TOPICLINE_STORE_ENDPOINT=localhost:7778).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	serveCmd.PersistentFlags().String("app-name", "topicline", "Name reported in logs")
	serveCmd.PersistentFlags().Int("port", 7777, "TCP port the broker listens on")
	serveCmd.PersistentFlags().String("strategy", "blocking", "Connection dispatch strategy (blocking, reactor)")
	serveCmd.PersistentFlags().Int("reactor-loops", 0, "Number of reactor event loops, 0 means one per CPU")
	serveCmd.PersistentFlags().Int("workers", 0, "Size of the reactor frame-processing pool, 0 means four per CPU")
	serveCmd.PersistentFlags().Int("buffer-size", 0, "Read buffer size in bytes for the reactor strategy")
	serveCmd.PersistentFlags().Int("max-connections", 0, "Connection cap for the blocking strategy")
	serveCmd.PersistentFlags().String("store-endpoint", "localhost:7778", "host:port of the persistence sidecar")
	serveCmd.PersistentFlags().String("store-dial-timeout", "5s", "Timeout for dialing the sidecar")
	serveCmd.PersistentFlags().String("store-op-timeout", "5s", "Timeout for one sidecar round trip")
	serveCmd.PersistentFlags().String("metrics-endpoint", "", "host:port for the Prometheus endpoint, empty disables it")
	serveCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// processConfig binds flags and environment variables into the broker
// configuration and validates it before the server starts.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	serveCfg = config.FromViper()
	return serveCfg.Validate()
}

func run(_ *cobra.Command, _ []string) error {
	loggerCallback := logger.Init(serveCfg.DebugMode)
	logger.DebugF("%s initializing...", serveCfg.AppName)

	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	if serveCfg.MetricsEndpoint != "" {
		cleaner.Add(metrics.StartServer(serveCfg.MetricsEndpoint))
	}

	srv := server.New(serveCfg, hub.New(), store.NewClient(serveCfg.Store))
	if err := srv.Listen(); err != nil {
		return err
	}
	cleaner.Add(server.NewCallback(srv))

	return srv.Start()
}

// initConfig loads env files and wires the TOPICLINE_ environment prefix.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("topicline")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
