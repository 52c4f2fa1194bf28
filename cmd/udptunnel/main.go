// udptunnel exposes a remote UDP service through a publicly reachable
// server, tunneling traffic over a single control channel per client.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaynet/udptunnel/internal/client"
	"github.com/relaynet/udptunnel/internal/config"
	"github.com/relaynet/udptunnel/internal/events"
	"github.com/relaynet/udptunnel/internal/logging"
	"github.com/relaynet/udptunnel/internal/metrics"
	"github.com/relaynet/udptunnel/internal/server"
	"github.com/relaynet/udptunnel/internal/trace"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// ambientFlags are the flags shared by both the server and client
// subcommands, per SPEC_FULL.md §5.1.
type ambientFlags struct {
	logLevel      string
	configPath    string
	metricsAddr   string
	pcapTrace     string
	statsInterval int
	eventsOutput  string
}

func registerAmbientFlags(cmd *cobra.Command, f *ambientFlags) {
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: error|warn|info|debug|trace (overrides config)")
	cmd.Flags().StringVar(&f.configPath, "config", "", "Path to an optional YAML ambient-defaults file")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Address to serve Prometheus /metrics on (overrides config, disabled if empty)")
	cmd.Flags().StringVar(&f.pcapTrace, "pcap-trace", "", "Write relayed traffic to a synthetic pcap file at this path (overrides config)")
	cmd.Flags().IntVar(&f.statsInterval, "stats-interval", -1, "Seconds between stats log lines, 0 disables (overrides config)")
	cmd.Flags().StringVar(&f.eventsOutput, "events-output", "", "Write JSON Line events to: stdout, stderr, or a file path (overrides config)")
}

func main() {
	root := &cobra.Command{
		Use:     "udptunnel",
		Short:   "Expose a remote UDP service through a publicly reachable tunnel server",
		Version: Version,
	}

	root.AddCommand(newServerCommand(), newClientCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServerCommand() *cobra.Command {
	var flags ambientFlags

	cmd := &cobra.Command{
		Use:   "server <port>",
		Short: "Run the tunnel server, listening on the given control port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return fmt.Errorf("port: %w", err)
			}

			cfg, logger, emitter, metricsReg, tracer, err := bootstrap(&flags)
			if err != nil {
				return err
			}
			defer emitter.Close()
			if tracer != nil {
				defer tracer.Close()
			}

			logger.Info("udptunnel %s server starting on port %d", Version, port)

			srv, err := server.New(server.Config{
				Port:               port,
				SessionIdleTimeout: cfg.SessionIdleTimeout,
				StatsInterval:      cfg.StatsInterval,
				Logger:             logger,
				Emitter:            emitter,
				Metrics:            metricsReg,
				Tracer:             tracer,
			})
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			ctx := signalContext()
			if cfg.MetricsAddr != "" {
				go func() {
					if err := metricsReg.Serve(ctx, cfg.MetricsAddr); err != nil {
						logger.Warn("metrics server stopped: %v", err)
					}
				}()
				logger.Info("metrics listening on %s", cfg.MetricsAddr)
			}

			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}

	registerAmbientFlags(cmd, &flags)
	return cmd
}

func newClientCommand() *cobra.Command {
	var flags ambientFlags

	cmd := &cobra.Command{
		Use:   "client <server_endpoint> <server_forward_port> <forward_to_endpoint>",
		Short: "Connect to a tunnel server and relay its forward port to a local UDP service",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverEndpoint, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return fmt.Errorf("server_endpoint: %w", err)
			}
			forwardPort, err := parsePort(args[1])
			if err != nil {
				return fmt.Errorf("server_forward_port: %w", err)
			}
			forwardToEndpoint, err := net.ResolveUDPAddr("udp", args[2])
			if err != nil {
				return fmt.Errorf("forward_to_endpoint: %w", err)
			}

			cfg, logger, emitter, metricsReg, tracer, err := bootstrap(&flags)
			if err != nil {
				return err
			}
			defer emitter.Close()
			if tracer != nil {
				defer tracer.Close()
			}

			logger.Info("udptunnel %s client connecting to %s", Version, serverEndpoint)

			cl, err := client.New(client.Config{
				ServerEndpoint:    serverEndpoint,
				ServerForwardPort: forwardPort,
				ForwardToEndpoint: forwardToEndpoint,
				HandshakeTimeout:  cfg.HandshakeTimeout,
				KeepaliveInterval: cfg.KeepaliveInterval,
				StatsInterval:     cfg.StatsInterval,
				Logger:            logger,
				Emitter:           emitter,
				Metrics:           metricsReg,
				Tracer:            tracer,
			})
			if err != nil {
				return fmt.Errorf("handshake failed: %w", err)
			}

			logger.Info("handshake succeeded, forwarding %s:%d -> %s", serverEndpoint.IP, forwardPort, forwardToEndpoint)

			ctx := signalContext()
			if cfg.MetricsAddr != "" {
				go func() {
					if err := metricsReg.Serve(ctx, cfg.MetricsAddr); err != nil {
						logger.Warn("metrics server stopped: %v", err)
					}
				}()
				logger.Info("metrics listening on %s", cfg.MetricsAddr)
			}

			if err := cl.Run(ctx); err != nil {
				return fmt.Errorf("client error: %w", err)
			}
			return nil
		},
	}

	registerAmbientFlags(cmd, &flags)
	return cmd
}

// bootstrap resolves ambient config: load the YAML file (if any), then
// overlay any flags the caller explicitly set, and construct the shared
// logging/events/metrics/trace components.
func bootstrap(flags *ambientFlags) (*config.Config, *logging.Logger, events.Emitter, *metrics.Registry, *trace.Writer, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if flags.pcapTrace != "" {
		cfg.PCAPTracePath = flags.pcapTrace
	}
	if flags.statsInterval >= 0 {
		cfg.StatsInterval = time.Duration(flags.statsInterval) * time.Second
	}
	if flags.eventsOutput != "" {
		cfg.EventsOutput = flags.eventsOutput
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := logging.NewLogger(level)

	emitter, err := createEmitter(cfg.EventsOutput)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to create event emitter: %w", err)
	}

	var metricsReg *metrics.Registry
	if cfg.MetricsAddr != "" {
		metricsReg = metrics.NewRegistry()
	}

	var tracer *trace.Writer
	if cfg.PCAPTracePath != "" {
		tracer, err = trace.New(cfg.PCAPTracePath)
		if err != nil {
			emitter.Close()
			return nil, nil, nil, nil, nil, fmt.Errorf("failed to open pcap trace: %w", err)
		}
	}

	return cfg, logger, emitter, metricsReg, tracer, nil
}

// createEmitter creates an Emitter based on the --events-output value.
// Returns a NopEmitter if the value is empty. Events are emitted async so a
// slow or blocked sink (a full pipe, a stalled disk) never backs up into the
// relay's hot path.
func createEmitter(output string) (events.Emitter, error) {
	switch output {
	case "":
		return events.NopEmitter{}, nil
	case "stdout":
		return events.NewAsyncJSONLineWriter(os.Stdout), nil
	case "stderr":
		return events.NewAsyncJSONLineWriter(os.Stderr), nil
	default:
		flags := os.O_WRONLY | os.O_APPEND
		if _, err := os.Stat(output); os.IsNotExist(err) {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(output, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events output %q: %w", output, err)
		}
		return events.NewAsyncJSONLineWriter(f), nil
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("must be a number between 0 and 65535: %w", err)
	}
	return uint16(n), nil
}

