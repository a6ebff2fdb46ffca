package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aporia-zero/meshchat/pkg/api"
	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/inbox"
	"github.com/aporia-zero/meshchat/pkg/metrics"
	"github.com/aporia-zero/meshchat/pkg/node"
	"github.com/aporia-zero/meshchat/pkg/transport"
	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

const defaultConfigPath = "config.yaml"

var (
	configPath = flag.String("config", defaultConfigPath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [address-to-dial]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logger
	logger, err := initLogger(*logLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	config, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration",
			zap.Error(err),
			zap.String("path", *configPath))
	}

	id := identity.Generate()
	logger.Info("Local peer id", zap.String("peer", id.String()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewRecorder(reg)

	// Initialize node
	n, err := node.New(config, id, transport.NewDefault(), logger, rec)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}
	requests := node.NewRequester(64, node.PayloadLimit(config))

	// Optional address to dial once the loop runs
	if addr := flag.Arg(0); addr != "" {
		if err := requests.Dial(context.Background(), addr); err != nil {
			logger.Fatal("Invalid address to dial", zap.String("addr", addr), zap.Error(err))
		}
	}

	// Initialize inbox
	history, err := inbox.New(inbox.ConfigFrom(config.Inbox), logger)
	if err != nil {
		logger.Fatal("Failed to initialize inbox", zap.Error(err))
	}
	defer history.Stop()

	// Initialize API server
	var apiServer *api.APIServer
	if config.API.Enabled {
		apiServer, err = initAPIServer(config, n, requests, history, reg, rec, logger)
		if err != nil {
			logger.Fatal("Failed to initialize API server", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, n, requests, history, apiServer, logger); err != nil {
		logger.Fatal("Node failed", zap.Error(err))
	}
	logger.Info("Shutdown complete", zap.Int("inbox_messages", history.Size()))
}

func initLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(getLogLevel(level))
	return config.Build()
}

func getLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// loadConfig decodes the YAML file on top of the defaults. A missing file
// at the default path means "use defaults".
func loadConfig(path string) (*types.Config, error) {
	config := types.DefaultConfig()

	configFile, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		return config, nil
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(configFile, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func initAPIServer(config *types.Config, n *node.Node, requests *node.Requester, history *inbox.Inbox,
	reg *prometheus.Registry, rec *metrics.Recorder, logger *zap.Logger) (*api.APIServer, error) {
	svc := node.NewService(n, requests, history, 5*time.Second)

	services := &api.APIServices{
		NodeService:    svc,
		MessageService: svc,
		PubSubService:  svc,
		EventService:   svc,
		Registry:       reg,
		Recorder:       rec,
	}

	server, err := api.NewAPIServer(api.ConfigFrom(config.API), services, logger)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	return server, nil
}

// run supervises the event loop, the console and the API until ctx is done
// or one of them fails
func run(ctx context.Context, n *node.Node, requests *node.Requester, history *inbox.Inbox,
	server *api.APIServer, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	// subscribe before the loop starts so no notification is missed
	console, cancelConsole := n.Subscribe()
	defer cancelConsole()
	stored, cancelStored := n.Subscribe()
	defer cancelStored()

	g.Go(func() error {
		return n.Run(ctx, requests.Dials(), requests.Messages())
	})

	g.Go(func() error {
		printNotifications(ctx, os.Stdout, console)
		return nil
	})

	g.Go(func() error {
		history.Consume(ctx, stored)
		return nil
	})

	g.Go(func() error {
		return readMessages(ctx, os.Stdin, requests, logger)
	})

	if server != nil {
		if err := server.Start(); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return server.Stop()
		})
	}

	return g.Wait()
}

// readMessages publishes every stdin line. The scanner goroutine is left
// blocked on stdin at shutdown; it holds nothing else.
func readMessages(ctx context.Context, in io.Reader, requests *node.Requester, logger *zap.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("Reading stdin failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep serving the network
				return nil
			}
			if err := requests.Send(ctx, line); err != nil {
				logger.Warn("Message rejected", zap.Error(err))
			}
		}
	}
}

func printNotifications(ctx context.Context, out io.Writer, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if line := formatEvent(ev); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}
}

func formatEvent(ev types.Event) string {
	switch ev.Kind {
	case types.EventListenAddr:
		return fmt.Sprintf("Listening on %s", ev.Address)
	case types.EventPeerConnected:
		return fmt.Sprintf("Connected to %s (%s)", ev.PeerID, ev.Address)
	case types.EventPeerDisconnected:
		if ev.Error != "" {
			return fmt.Sprintf("Disconnected from %s: %s", ev.PeerID, ev.Error)
		}
		return fmt.Sprintf("Disconnected from %s", ev.PeerID)
	case types.EventDialFailed:
		return fmt.Sprintf("Dial %s failed: %s", ev.Address, ev.Error)
	case types.EventMessage:
		return fmt.Sprintf("[%s] %s: %s", ev.Router, ev.PeerID, ev.Text)
	}
	return ""
}
