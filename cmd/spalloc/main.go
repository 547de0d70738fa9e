package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common"
	"github.com/SpiNNakerManchester/spalloc-server/internal/common/health"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.SpallocConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/spalloc", userSpecifiedConfig)
	log.SetLevel(config.LogLevel)

	log.Info("Starting...")

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	startupChecker := health.NewStartupCompleteChecker()
	checks := health.NewMultiChecker(startupChecker)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, checks)
	defer shutdownMetricServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := spalloc.Serve(ctx, &config, nil)
	if err != nil {
		log.WithError(err).Fatal("failed to start")
	}
	checks.Add(health.CheckerFunc(func() error { return app.DB().Ping(ctx) }))
	startupChecker.MarkComplete()
	log.Info("Serving")

	<-stopSignal
	log.Info("Stopping...")
	app.Stop()
}
