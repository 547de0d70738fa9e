package common

import (
	"context"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/health"
)

// LoadConfig reads the base configuration file from defaultPath and, if
// overrideConfig is non-empty, merges the user-specified file over it, then
// unmarshals the result into config. Configuration errors are fatal.
func LoadConfig(config interface{}, defaultPath string, overrideConfig string) {
	viper.SetConfigName("config")
	viper.AddConfigPath(defaultPath)
	if err := viper.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	if overrideConfig != "" {
		viper.SetConfigFile(overrideConfig)
		if err := viper.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	err := viper.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			StringToLogLevelHookFunc(),
		)))
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// StringToLogLevelHookFunc decodes logrus level names appearing in
// configuration files.
func StringToLogLevelHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(log.InfoLevel) {
			return data, nil
		}
		return log.ParseLevel(data.(string))
	}
}

func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ServeMetrics exposes prometheus metrics and the health endpoint on the
// given port. The returned function shuts the listener down.
func ServeMetrics(port uint16, checker health.Checker) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.SetupHttpMux(mux, checker)
	return serveHTTP(port, mux)
}

func serveHTTP(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(int(port)),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failure")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("failed to shut down http server")
		}
	}
}
