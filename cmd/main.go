package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"botstore/handler"
	"botstore/internal/attachcache"
	"botstore/internal/chatlog"
	"botstore/internal/configstore"
	"botstore/internal/integrations/paramstore"
	"botstore/internal/observe"
	"botstore/internal/statestore"
	"botstore/internal/tokenstore"
	"botstore/internal/usecase"
)

func main() {
	ctx := context.Background()
	log := slog.Default()

	// ---- Configuration (read only here) ----
	statesTable := mustEnv("STATES_TABLE")
	tokensTable := mustEnv("TOKENS_TABLE")
	chatlogTable := mustEnv("CHATLOG_TABLE")
	configTable := mustEnv("CONFIG_TABLE")
	attachmentsTable := mustEnv("ATTACHMENTS_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	leaseTimeout := time.Duration(envInt("LEASE_TIMEOUT_MS", 30000)) * time.Millisecond

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)

	// ---- Secrets ----
	params, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
	if err != nil {
		log.Error("failed to create param store client", "err", err)
		os.Exit(1)
	}
	verifyToken, err := params.Get(ctx, "verify-token")
	if err != nil {
		log.Error("failed to load webhook verify token", "err", err)
		os.Exit(1)
	}

	// ---- Observability ----
	var observer observe.Observer = observe.Nop{}
	if os.Getenv("ENABLE_METRICS") == "1" {
		observer = observe.NewPrometheusObserver("bot", prometheus.DefaultRegisterer)
	}

	// ---- Storage ----
	states, err := statestore.New(dynamoClient, statesTable, statestore.WithObserver(observer))
	if err != nil {
		log.Error("failed to create state store", "err", err)
		os.Exit(1)
	}
	tokens, err := tokenstore.New(dynamoClient, tokensTable, tokenstore.WithObserver(observer))
	if err != nil {
		log.Error("failed to create token store", "err", err)
		os.Exit(1)
	}
	chatLog, err := chatlog.New(dynamoClient, chatlogTable, log)
	if err != nil {
		log.Error("failed to create chat log", "err", err)
		os.Exit(1)
	}
	botConfig, err := configstore.New(dynamoClient, configTable)
	if err != nil {
		log.Error("failed to create config store", "err", err)
		os.Exit(1)
	}
	attachments, err := attachcache.New(dynamoClient, attachmentsTable)
	if err != nil {
		log.Error("failed to create attachment cache", "err", err)
		os.Exit(1)
	}

	// ---- Services & handler ----
	turns, err := usecase.NewTurnService(states, tokens, chatLog, attachments, leaseTimeout)
	if err != nil {
		log.Error("failed to create turn service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(turns, botConfig, attachments, verifyToken, log)
	if err != nil {
		log.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
