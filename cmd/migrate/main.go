package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

const serviceName = "migrate"

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	if err := newRootCmd(connectDatabase).ExecuteContext(ctx); err != nil {
		logg := logger.New(logger.Options{ServiceName: serviceName})
		logg.Error(ctx, "migrate failed", err)
		os.Exit(1)
	}
}
