// Command sle is the log-shipping agent's entrypoint: flags take
// precedence, then environment variables, then built-in defaults,
// extended with the additional knobs SLE's supervisor needs (WAL
// directory, metrics address, tracing).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/supervisor"
)

func main() {
	var (
		configDir   string
		walDir      string
		metricsAddr string
		tracingAddr string
		tracingOn   bool
		kafkaTopic  string
		debug       bool
	)

	flag.StringVar(&configDir, "config-dir", "", "Directory of SLE config files")
	flag.StringVar(&walDir, "wal-dir", "", "Directory for the write-ahead log")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics and /healthz server")
	flag.StringVar(&tracingAddr, "tracing-endpoint", "", "OTLP/HTTP collector endpoint (host:port)")
	flag.BoolVar(&tracingOn, "tracing", false, "Enable OpenTelemetry tracing")
	flag.StringVar(&kafkaTopic, "kafka-topic", "", "Kafka topic for the KAFKA_IP backend")
	flag.BoolVar(&debug, "debug", false, "Enable debug-level logging")
	flag.Parse()

	configDir = resolve(configDir, "SLE_CONFIG_DIR", "/etc/sle.d")
	walDir = resolve(walDir, "SLE_WAL_DIR", "/var/lib/sle/wal")
	metricsAddr = resolve(metricsAddr, "SLE_METRICS_ADDR", ":9090")
	tracingAddr = resolve(tracingAddr, "SLE_TRACING_ENDPOINT", "localhost:4318")
	kafkaTopic = resolve(kafkaTopic, "SLE_KAFKA_TOPIC", "sle")

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if debug || os.Getenv("SLE_DEBUG") == "1" {
		logger.SetLevel(logrus.DebugLevel)
	}

	sup, err := supervisor.New(supervisor.Options{
		ConfigDir:   configDir,
		WALDir:      walDir,
		MetricsAddr: metricsAddr,
		TracingAddr: tracingAddr,
		TracingOn:   tracingOn,
		KafkaTopic:  kafkaTopic,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sle: configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := sup.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "sle: runtime error: %v\n", err)
		os.Exit(2)
	}
}

func resolve(flagVal, envKey, def string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return def
}
