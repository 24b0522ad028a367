package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/velopayments/agentd/core"
	"github.com/velopayments/agentd/pkg/config"
)

func main() {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:   "notifysvc",
		Short: "runs the block-head notification service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := core.NewLogger(cfg.LogLevel)

	consensusLn, err := net.Listen("tcp", cfg.NotifySvc.ConsensusListenAddr)
	if err != nil {
		return err
	}
	protocolLn, err := net.Listen("tcp", cfg.NotifySvc.ProtocolListenAddr)
	if err != nil {
		return err
	}

	var statusLn net.Listener
	if cfg.NotifySvc.StatusAddr != "" {
		statusLn, err = net.Listen("tcp", cfg.NotifySvc.StatusAddr)
		if err != nil {
			return err
		}
	}

	life := core.NewLifecycle()
	bridgeSignals(life, logger)

	logger.Infof("notifysvc listening: consensus=%s protocol=%s", cfg.NotifySvc.ConsensusListenAddr, cfg.NotifySvc.ProtocolListenAddr)

	return core.RunNotifyService(core.NotifyServiceConfig{
		ConsensusListener: consensusLn,
		ProtocolListener:  protocolLn,
		StatusListener:    statusLn,
		Logger:            logger,
	}, life)
}

// bridgeSignals stands in for the source's signal-to-socket bridge
// process (spec §1): SIGTERM/SIGINT request quiesce, a second signal
// escalates to terminate.
func bridgeSignals(life *core.Lifecycle, logger *log.Logger) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-ch
		logger.Info("received shutdown signal, quiescing")
		life.RequestQuiesce()
		<-ch
		logger.Warn("received second shutdown signal, terminating")
		life.RequestTerminate()
	}()
}
