package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fieldtelemetry/backend/libs/logging"
	"fieldtelemetry/backend/services/ingest-service/internal/app"
	"fieldtelemetry/backend/services/ingest-service/internal/auth"
	"fieldtelemetry/backend/services/ingest-service/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file (falls back to CONFIG_FILE)")
	hashKey := pflag.String("hash-operator-key", "", "print the bcrypt hash of an operator key and exit")
	issueToken := pflag.String("issue-device-token", "", "print a signed token for a device id and exit")
	pflag.Parse()

	if *hashKey != "" {
		hash, err := auth.HashOperatorKey(*hashKey, bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if *issueToken != "" {
		token, err := auth.NewDeviceTokens(cfg.Auth.DeviceTokenSecret, cfg.Auth.DeviceTokenTTL).Generate(*issueToken)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init application", zap.Error(err))
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application stopped with error", zap.Error(err))
	}
}
