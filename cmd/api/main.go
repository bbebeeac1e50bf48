package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"github.com/jun/graphdrive/internal/app"
	"github.com/jun/graphdrive/internal/config"
)

func main() {
	ctx := context.Background()
	cfg, err := config.Load(os.Getenv("GRAPHDRIVE_CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize")
	}
	lambda.Start(application.HandleRequest)
}
