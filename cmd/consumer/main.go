package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "ride-dispatch-consumer",
	Short:        "Dispatch ride requests read from Kafka or RabbitMQ",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.NewLogger(cfg.Log.Level, "consumer")

	svc, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("service close")
		}
	}()

	src, err := openSource(cfg, log)
	if err != nil {
		return err
	}
	defer src.Close()

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.Ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Info().Str("addr", cfg.Consumer.MetricsAddr).Msg("metrics/health listening")
		if err := http.ListenAndServe(cfg.Consumer.MetricsAddr, mux); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("source", cfg.Consumer.Source).Msg("consumer started")
	err = src.Run(ctx, handler(svc.Matcher, cfg.Consumer.MaxAttempts, cfg.Consumer.RetryDelay, log))
	log.Info().Msg("shutting down consumer")
	return err
}

func openSource(cfg config.Config, log zerolog.Logger) (ingest.Source, error) {
	switch cfg.Consumer.Source {
	case "amqp":
		return ingest.DialAMQP(ingest.AMQPOptions{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			Queue:      cfg.AMQP.Queue,
			RoutingKey: cfg.AMQP.RoutingKey,
		}, log)
	default:
		brokers := cfg.Kafka.BrokerList()
		if len(brokers) == 0 {
			brokers = []string{"localhost:9092"}
		}
		return ingest.NewKafkaSource(brokers, cfg.Kafka.RequestsTopic, cfg.Kafka.Group, log), nil
	}
}

// Dispatcher is the subset of the matcher the consumer drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.RideRequest) (models.DispatchResult, error)
}

func handler(d Dispatcher, attempts int, delay time.Duration, log zerolog.Logger) ingest.Handler {
	return func(ctx context.Context, m ingest.Message) error {
		req, err := ingest.DecodeTrigger(m.Body)
		if err != nil {
			return err
		}
		res, err := dispatchWithRetry(ctx, d, req, attempts, delay)
		if err != nil {
			return err
		}
		log.Info().Str("ride_id", res.RideID).Int("notified", res.DriversNotified).Msg("ride request dispatched")
		return nil
	}
}

// dispatchWithRetry repeats the dispatch while the geo query fails, doubling
// delay between attempts. Any other error is final.
func dispatchWithRetry(ctx context.Context, d Dispatcher, req models.RideRequest, attempts int, delay time.Duration) (models.DispatchResult, error) {
	var (
		res models.DispatchResult
		err error
	)
	for i := 0; i < attempts; i++ {
		res, err = d.Dispatch(ctx, req)
		if err == nil || !errors.Is(err, matcher.ErrUpstreamQuery) || i == attempts-1 {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return res, err
}
