package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/velopayments/agentd/core"
	"github.com/velopayments/agentd/pkg/config"
)

func main() {
	var configPath, logLevel, agentIDStr string

	root := &cobra.Command{
		Use:   "protocolsvc",
		Short: "runs the client-facing protocol service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, agentIDStr)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&agentIDStr, "agent-id", "", "this agent's UUID (overridden by PRIVATE_KEY_SET if issued later)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, logLevel, agentIDStr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := core.NewLogger(cfg.LogLevel)

	var agentID uuid.UUID
	if agentIDStr != "" {
		agentID, err = uuid.Parse(agentIDStr)
		if err != nil {
			return err
		}
	} else {
		agentID = uuid.New()
	}

	clientLn, err := net.Listen("tcp", cfg.ProtocolSvc.ClientListenAddr)
	if err != nil {
		return err
	}
	controlLn, err := net.Listen("tcp", cfg.ProtocolSvc.ControlListenAddr)
	if err != nil {
		return err
	}
	controlConn, err := controlLn.Accept()
	if err != nil {
		return err
	}

	dataConn, err := net.Dial("tcp", cfg.ProtocolSvc.DataServiceAddr)
	if err != nil {
		return err
	}
	randomConn, err := net.Dial("tcp", cfg.ProtocolSvc.RandomServiceAddr)
	if err != nil {
		return err
	}
	notifyConn, err := net.Dial("tcp", cfg.ProtocolSvc.NotifyServiceAddr)
	if err != nil {
		return err
	}

	var statusLn net.Listener
	if cfg.ProtocolSvc.StatusAddr != "" {
		statusLn, err = net.Listen("tcp", cfg.ProtocolSvc.StatusAddr)
		if err != nil {
			return err
		}
	}

	life := core.NewLifecycle()
	bridgeSignals(life, logger)

	logger.Infof("protocolsvc listening: client=%s control=%s", cfg.ProtocolSvc.ClientListenAddr, cfg.ProtocolSvc.ControlListenAddr)

	return core.RunProtocolService(core.ProtocolServiceConfig{
		ClientListener:    clientLn,
		ControlConn:       controlConn,
		DataServiceConn:   dataConn,
		RandomServiceConn: randomConn,
		NotifyServiceConn: notifyConn,
		StatusListener:    statusLn,
		AgentID:           agentID,
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
