package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/broker"
	"github.com/openmash/mash/internal/common"
	"github.com/openmash/mash/internal/creds"
	"github.com/openmash/mash/internal/handler"
	"github.com/openmash/mash/internal/jobcreator"
	"github.com/openmash/mash/internal/jobstore"
	"github.com/openmash/mash/internal/listener"
	"github.com/openmash/mash/internal/models"
	"github.com/openmash/mash/internal/notify"
	"github.com/openmash/mash/internal/obs"
)

var (
	configPath   = flag.String("config", "", "Configuration file path (default "+common.DefaultConfigPath+")")
	serviceName  = flag.String("service", "", "Pipeline service to run (obs, upload, create, test, raw_image_upload, replicate, publish, deprecate, jobcreator)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

// runnable is the lifecycle every service process implements.
type runnable interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("mash version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	name := models.NormalizeService(*serviceName)
	if name == "" {
		fmt.Fprintln(os.Stderr, "Error: -service is required")
		flag.Usage()
		os.Exit(1)
	}

	config, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := common.InitLogger(config, name)
	logger.Info().
		Str("service", name).
		Str("version", common.GetVersion()).
		Msg("Starting mash service")

	b, err := broker.Open(config.BrokerDatabase, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open broker")
		os.Exit(1)
	}
	defer b.Close()

	notifier := notify.NewNotifier(notify.NewSMTPMailer(config), config.NotificationSubject, logger)

	svc, err := buildService(name, config, b, notifier, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("service", name).Msg("Failed to build service")
		os.Exit(1)
	}

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("service", name).Msg("Failed to start service")
		os.Exit(1)
	}

	// A nil channel blocks forever; only services exposing Fatal can
	// trigger the broker-loss exit path.
	var fatal <-chan error
	if f, ok := svc.(interface{ Fatal() <-chan error }); ok {
		fatal = f.Fatal()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		svc.Stop()
	case err := <-fatal:
		// A lost broker is unrecoverable; exit nonzero so the supervisor
		// restarts the process.
		logger.Error().Err(err).Msg("Broker connection lost")
		svc.Stop()
		os.Exit(1)
	}

	logger.Info().Str("service", name).Msg("Service stopped")
}

// buildService wires the process for one pipeline role.
func buildService(name string, config *common.Config, b *broker.Broker, notifier *notify.Notifier, logger arbor.ILogger) (runnable, error) {
	switch name {
	case models.ServiceJobCreator:
		accounts, err := jobcreator.NewAccountStore(filepath.Join(config.JobDirectoryBase, "accounts"), logger)
		if err != nil {
			return nil, err
		}
		return jobcreator.New(config, b, accounts, notifier, logger), nil

	case models.ServiceOBS:
		store, err := jobstore.New(config.JobDirectory(name), logger)
		if err != nil {
			return nil, err
		}
		return obs.New(config, b, store, obs.NewHTTPRepository(logger), notifier, logger), nil

	default:
		store, err := jobstore.New(config.JobDirectory(name), logger)
		if err != nil {
			return nil, err
		}
		var provider creds.Provider
		if config.CredentialsURL != "" && config.JWTSecret != "" {
			provider = creds.NewHTTPClient(config.CredentialsURL, name, config.JWTSecret)
		} else {
			rpc, err := creds.NewRPCClient(context.Background(), b, name, logger)
			if err != nil {
				return nil, err
			}
			provider = rpc
		}

		factory := handler.NewFactory()
		// EC2 image creation registers the image in one step, so its
		// upload stage is a pass-through.
		factory.RegisterNoOp(models.ServiceUpload, models.CloudEC2)

		svc, err := listener.New(name, config, b, store, factory, notifier, provider, logger)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}
