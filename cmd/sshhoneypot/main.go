package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	sshhoneypot "github.com/bja2142/sshhoneypot"
)

func main() {
	env_file := flag.String("env-file", ".env", "dotenv file to read settings from; missing files are ignored")
	allow_root := flag.Bool("allow-root", false, "accept any password for root (the session still runs as the root alias)")
	listen_addr := flag.String("listen", "", "address to listen on; overrides LISTEN_ADDR")
	log_file := flag.String("log", "", "file to log to; overrides SERVER_LOG")
	flag.Parse()

	cfg, err := sshhoneypot.LoadConfig(*env_file)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "allow-root":
			cfg.AllowRoot = *allow_root
		case "listen":
			cfg.ListenAddr = *listen_addr
		case "log":
			cfg.ServerLog = *log_file
		}
	})

	logger, closer, err := sshhoneypot.NewLogger(cfg.ServerLog, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closer.Close()
	logger.Println("sshhoneypot has started.")

	if err := run(cfg, logger); err != nil {
		logger.Printf("fatal: %v", err)
		closer.Close()
		os.Exit(1)
	}
	logger.Println("sshhoneypot has stopped.")
}

func run(cfg *sshhoneypot.Config, logger sshhoneypot.LoggerInterface) error {
	sshhoneypot.RestrictUmask()

	ledger, err := sshhoneypot.OpenLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	signer, err := sshhoneypot.LoadOrGenerateSigner(cfg.HostKeyPath, logger)
	if err != nil {
		return err
	}

	backend, err := sshhoneypot.NewAuthenticator(cfg)
	if err != nil {
		return err
	}
	if cfg.AllowRoot {
		logger.Printf("ALLOW_ROOT mode enabled: any password is accepted for root")
	}

	metrics := sshhoneypot.NewMetrics()
	server := sshhoneypot.NewHoneypotServer(cfg, sshhoneypot.ServerDeps{
		Gateway:  sshhoneypot.NewGateway(backend, ledger, cfg.RootAlias, cfg.AllowRoot, logger),
		Ledger:   ledger,
		Geo:      sshhoneypot.NewGeoCache(ledger, cfg.GeoEndpoint, cfg.GeoMaxAge, cfg.GeoTimeout, logger),
		Notifier: sshhoneypot.NewNotifier(cfg.DashboardURL, cfg.NotifyKey, cfg.NotifyTimeout, logger),
		Metrics:  metrics,
		Signer:   signer,
		Log:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.ListenAndServe(ctx)
}
