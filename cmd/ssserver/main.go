// Package main provides the CLI entry point for the relay server.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
	"github.com/postalsys/muti-metroo/internal/config"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/plugin"
	"github.com/postalsys/muti-metroo/internal/sockopt"
	"github.com/postalsys/muti-metroo/internal/tcprelay"
	"github.com/postalsys/muti-metroo/internal/udprelay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var (
		configPath string
		passwd     string
		bindAddr   string
		bindPort   uint16
		method     string
		pluginName string
		pluginOpts string
	)

	cmd := &cobra.Command{
		Use:     "ssserver",
		Short:   "Encrypted relay server compatible with the Shadowsocks AEAD protocol",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			applyOverrides(cfg, cmd, passwd, bindAddr, bindPort, method, pluginName, pluginOpts)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&passwd, "passwd", "", "Shared passphrase (overrides config)")
	cmd.Flags().StringVar(&bindAddr, "listen", "", "Bind address (overrides config)")
	cmd.Flags().Uint16Var(&bindPort, "port", 0, "Bind port (overrides config)")
	cmd.Flags().StringVar(&method, "method", "", "AEAD cipher method (overrides config)")
	cmd.Flags().StringVar(&pluginName, "plugin", "", "SIP003 plugin executable (overrides config)")
	cmd.Flags().StringVar(&pluginOpts, "plugin-opts", "", "SIP003 plugin options string (overrides config)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyOverrides layers CLI flags onto the loaded config, following the
// convention that an explicitly set flag wins over the file. A flag counts
// as set when it appears on the command line, even with a zero value
// (empty string, 0); flags left off the command line keep the file's value.
func applyOverrides(cfg *config.Config, cmd *cobra.Command, passwd, bindAddr string, bindPort uint16, method, pluginName, pluginOpts string) {
	if cmd.Flags().Changed("passwd") {
		cfg.Passwd = passwd
	}
	if cmd.Flags().Changed("listen") {
		cfg.BindAddr = bindAddr
	}
	if cmd.Flags().Changed("port") {
		cfg.BindPort = bindPort
	}
	if cmd.Flags().Changed("method") {
		cfg.Method = method
	}
	if cmd.Flags().Changed("plugin") {
		if cfg.Plugin == nil {
			cfg.Plugin = &config.PluginConfig{}
		}
		cfg.Plugin.Name = pluginName
	}
	if cmd.Flags().Changed("plugin-opts") {
		if cfg.Plugin == nil {
			cfg.Plugin = &config.PluginConfig{}
		}
		cfg.Plugin.Opts = pluginOpts
	}
}

func run(cfg *config.Config) error {
	logger, closeLog, err := logging.NewFromConfig(logging.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		FileDir: cfg.Log.FileDir,
	})
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer closeLog()

	kind, err := cipherkind.ParseKind(cfg.Method)
	if err != nil {
		return err
	}
	masterKey := cipherkind.MasterKey(cfg.Passwd, kind.KeySize())

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindAddr := net.JoinHostPort(cfg.BindAddr, fmt.Sprint(cfg.BindPort))

	var pluginProc *plugin.Process
	tcpListenAddr := bindAddr
	if cfg.Plugin != nil && cfg.Plugin.Name != "" {
		ln, err := plugin.ReserveLoopback()
		if err != nil {
			return err
		}
		localAddr := ln.Addr().String()
		ln.Close()

		pluginProc, err = plugin.Start(ctx, plugin.Config{
			Name: cfg.Plugin.Name,
			Opts: cfg.Plugin.Opts,
			Args: cfg.Plugin.Args,
		}, bindAddr, localAddr)
		if err != nil {
			return fmt.Errorf("start plugin: %w", err)
		}
		tcpListenAddr = localAddr
		logger.Info("plugin started", "name", cfg.Plugin.Name, logging.KeyLocalAddr, localAddr)
	}

	tcpListener := tcprelay.NewListener(tcprelay.Config{
		Address:     tcpListenAddr,
		DialTimeout: cfg.DialTimeout(),
		Logger:      logger,
		Metrics:     m,
	}, kind, masterKey)
	if err := tcpListener.Start(); err != nil {
		return err
	}
	defer tcpListener.Stop()

	lc := sockopt.ListenConfig()
	packetConn, err := lc.ListenPacket(ctx, "udp", bindAddr)
	if err != nil {
		return fmt.Errorf("listen udp on %s: %w", bindAddr, err)
	}
	udpConn := packetConn.(*net.UDPConn)
	defer udpConn.Close()

	udpServer := udprelay.NewServer(udpConn, kind, masterKey, udprelay.Config{
		Capacity:   cfg.UDP.Capacity,
		ExpiryTime: cfg.UDP.ExpiryDuration(),
	}, logger, m)

	udpErrCh := make(chan error, 1)
	go func() {
		udpErrCh <- udpServer.Run(ctx)
	}()

	var metricsServer *http.Server
	if cfg.Log.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Log.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server error", logging.KeyError, err)
			}
		}()
		logger.Info("metrics server listening", logging.KeyLocalAddr, cfg.Log.MetricsAddr)
	}

	logger.Info("relay server started",
		logging.KeyLocalAddr, bindAddr,
		"method", kind.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var exitErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-udpErrCh:
		if err != nil {
			logger.Error("udp relay stopped unexpectedly", logging.KeyError, err)
		}
	case err := <-pluginDone(pluginProc):
		logger.Error("plugin exited, shutting down", logging.KeyError, err)
		exitErr = fmt.Errorf("plugin exited: %v", err)
	}

	cancel()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	if pluginProc != nil {
		pluginProc.Kill()
	}

	return exitErr
}

// pluginDone returns p's exit channel, or a channel that is never
// signaled if no plugin is configured.
func pluginDone(p *plugin.Process) <-chan error {
	if p == nil {
		return make(chan error)
	}
	return p.Done()
}
