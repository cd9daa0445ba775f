package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"storeidhelper/logger"
	"storeidhelper/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/squid/storeid.conf", "path to the primary rule file")
	envPath := flag.String("env", "", "optional .env file to load before parsing the rule file")
	metricsAddr := flag.String("metrics-addr", "", "optional host:port to serve Prometheus metrics on (overrides metrics_addr in the rule file)")
	flag.Parse()

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "storeidhelper: loading %s: %v\n", *envPath, err)
		}
	}

	snap, err := LoadInitial(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storeidhelper: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      logger.ParseLevel(snap.LogLevel),
		File:       snap.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "storeidhelper: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	reg := metrics.NewRegistry()
	addr := snap.MetricsAddr
	if *metricsAddr != "" {
		addr = *metricsAddr
	}
	if addr != "" {
		go func() {
			if err := reg.Serve(context.Background(), addr); err != nil {
				logger.Errorw("metrics_listener_error", map[string]interface{}{"addr": addr, "err": err.Error()})
			}
		}()
	}

	sup := newSupervisor(*configPath, reg)
	if err := sup.Run(); err != nil {
		logger.Errorw("startup_config_error", map[string]interface{}{"err": err.Error()})
		fmt.Fprintf(os.Stderr, "storeidhelper: %v\n", err)
		os.Exit(1)
	}
}
