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
	listen_addr := flag.String("listen", "", "dashboard listen address; overrides DASHBOARD_ADDR")
	log_dir := flag.String("log-dir", "", "transcript directory to follow; overrides LOG_DIR")
	static_dir := flag.String("static", "", "directory of static files to serve; overrides STATIC_DIR")
	flag.Parse()

	cfg, err := sshhoneypot.LoadConfig(*env_file)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.DashboardAddr = *listen_addr
		case "log-dir":
			cfg.TranscriptDir = *log_dir
		case "static":
			cfg.StaticDir = *static_dir
		}
	})

	logger, closer, err := sshhoneypot.NewLogger("-", cfg.LogFormat)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closer.Close()

	ledger, err := sshhoneypot.OpenLedger(cfg)
	if err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
	defer ledger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dashboard := sshhoneypot.NewDashboard(cfg, ledger, logger, sshhoneypot.NewMetrics())
	if err := dashboard.Run(ctx); err != nil {
		logger.Printf("fatal: %v", err)
		stop()
		ledger.Close()
		os.Exit(1)
	}
}
