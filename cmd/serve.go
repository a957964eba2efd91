package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/fieldstitch/internal/config"
	"github.com/kiesman99/fieldstitch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for tile conversion and mosaic jobs",
	Long: `Start an HTTP server that provides a REST API for tile conversion and mosaics.

Paths in requests name files on the server. With --root every path is resolved
inside that directory and cannot escape it.

Examples:
  # Start server on default port 8080
  fieldstitch serve

  # Start server on custom port
  fieldstitch serve --port 3000

  # Start server with custom bind address, confined to /data
  fieldstitch serve --bind 0.0.0.0 --port 8080 --root /data`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	defaults := config.Default().Server

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", defaults.Bind, "bind address")
	serveCmd.Flags().IntP("port", "p", defaults.Port, "port to listen on")
	serveCmd.Flags().Duration("timeout", defaults.Timeout, "request timeout")
	serveCmd.Flags().String("root", defaults.Root, "directory that confines request paths")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.root", serveCmd.Flags().Lookup("root"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	var fs afero.Fs = afero.NewOsFs()
	if cfg.Server.Root != "" {
		fs = afero.NewBasePathFs(fs, cfg.Server.Root)
	}

	apiServer, err := server.NewServer(version, cfg, fs, log)
	if err != nil {
		return err
	}

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewRouter(apiServer, cfg.Server.Timeout, log),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout + 10*time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()

		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("server shutdown error", "error", err)
		}
	}()

	log.Infow("starting fieldstitch server",
		"addr", addr,
		"health", fmt.Sprintf("http://%s/api/v1/health", addr),
		"root", cfg.Server.Root,
		"version", version)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
