package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gematik/zero-authz/pkg/zas"
	"github.com/gematik/zero-authz/pkg/zas/zasweb"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultAddress = ":8011"

func init() {
	startCmd.Flags().StringP("addr", "a", "", "address to listen on, overrides the config file")
	viper.BindPFlag("addr", startCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Zero Trust Authorization Server",
	Run: func(cmd *cobra.Command, args []string) {
		configFile := expandHome(viper.GetString("config_file"))
		if configFile == "" {
			cobra.CheckErr("config file is required. Use --config-file/-f flag or ZAS_CONFIG_FILE environment variable")
		}
		config, err := zas.LoadConfigFile(configFile)
		if err != nil {
			slog.Error("Failed to load config file", "error", err)
			os.Exit(1)
		}

		slog.Info("Starting Zero Trust Authorization Server", "version", zas.Version, "config_file", configFile)
		as, err := zas.New(config)
		if err != nil {
			slog.Error("Failed to create authorization server", "error", err)
			os.Exit(1)
		}
		defer as.Close()

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Recover())
		zasweb.MountRoutes(e.Group(""), as)

		for _, route := range e.Routes() {
			slog.Debug("Route", "method", route.Method, "path", route.Path)
		}

		addr := viper.GetString("addr")
		if addr == "" {
			addr = config.Address
		}
		if addr == "" {
			addr = defaultAddress
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			slog.Info("Listening", "addr", addr, "issuer", config.Issuer)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server failed", "error", err)
				stop()
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
		slog.Info("Authorization server stopped")
	},
}
