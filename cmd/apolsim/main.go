// Command apolsim runs a complete APOL network on the host: every configured
// node on one simulated radio medium, with the operator console, Prometheus
// metrics and optional MQTT event publishing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ystepanoff/apol/config"
	"github.com/ystepanoff/apol/console"
	"github.com/ystepanoff/apol/driver/stub"
	"github.com/ystepanoff/apol/events"
	"github.com/ystepanoff/apol/node"
	"github.com/ystepanoff/apol/telemetry"
)

const statusInterval = time.Second

func main() {
	configPath := flag.String("config", "apolsim.yaml", "path to config file")
	writeConfig := flag.Bool("write-config", false, "write the effective config to -config and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *writeConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "save config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "apolsim",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
	})

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("simulator stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger hclog.Logger) error {
	bus := events.NewEventBus()
	metrics := telemetry.NewMetrics()
	bus.Subscribe(metrics.Observe)

	air := stub.NewAir()
	if cfg.Air.LossPercent > 0 {
		air.SetDrop(lossModel(cfg.Air.LossPercent, cfg.Air.Seed))
		logger.Info("simulated frame loss", "percent", cfg.Air.LossPercent, "seed", cfg.Air.Seed)
	}

	nodes := make([]*node.Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		n, err := node.New(air.Attach(nc.Role), node.Options{
			Config: nc,
			Lamp:   &logLamp{log: logger.Named("lamp")},
			Bus:    bus,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	var wg sync.WaitGroup

	if cfg.Messaging.Enabled {
		client, err := telemetry.Connect(ctx, cfg.Messaging, logger)
		if err != nil {
			logger.Warn("mqtt unavailable, events stay local", "error", err)
		} else {
			defer client.Disconnect(250)
			pub := telemetry.NewEventPublisher(client, telemetry.EventPublisherOptions{
				TopicPrefix:  cfg.Messaging.TopicPrefix,
				BreakerFails: cfg.Messaging.BreakerFails,
				BreakerOpen:  cfg.Messaging.BreakerOpen,
				Logger:       logger,
			})
			bus.Subscribe(pub.Handle)
			wg.Add(1)
			go func() {
				defer wg.Done()
				pub.Run(ctx)
			}()
		}
	}

	for _, n := range nodes {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			if err := n.Run(ctx); err != nil {
				logger.Error("node loop exited", "node", n.Role(), "error", err)
			}
		}(n)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, n := range nodes {
					metrics.UpdateStatus(n.Status())
				}
			}
		}
	}()

	if cfg.Console.Enabled {
		handles := make([]console.Node, len(nodes))
		for i, n := range nodes {
			handles[i] = n
		}
		srv := &http.Server{
			Addr: cfg.Console.Addr(),
			Handler: console.New(handles, console.Options{
				Metrics: metrics.Handler(),
				Logger:  logger,
			}).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("console listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("console: %w", err)
		}
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// lossModel drops frames independently with the given probability.
func lossModel(percent float64, seed int64) stub.DropFunc {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(from, to string, frame []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()*100 < percent
	}
}

// logLamp stands in for the signal heads.
type logLamp struct {
	log hclog.Logger
}

func (l *logLamp) Set(green, red bool) {
	l.log.Info("lamp", "green", green, "red", red)
}
