package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/jun/graphdrive/internal/adapter"
	"github.com/jun/graphdrive/internal/adapter/memory"
	"github.com/jun/graphdrive/internal/adapter/msgraph"
	"github.com/jun/graphdrive/internal/auth"
	"github.com/jun/graphdrive/internal/config"
	"github.com/jun/graphdrive/internal/crypto"
	"github.com/jun/graphdrive/internal/handler"
	"github.com/jun/graphdrive/internal/lease"
	"github.com/jun/graphdrive/internal/logging"
	"github.com/jun/graphdrive/internal/notify"
	"github.com/jun/graphdrive/internal/secret"
)

// App holds the dependencies for the Lambda function.
type App struct {
	authHandler *handler.AuthHandler
	fileHandler *handler.FileHandler
	frontendURL string
	log         logrus.FieldLogger
}

// services are the long-lived clients shared by the HTTP app and the CLI.
type services struct {
	awsCfg          aws.Config
	dynamo          *dynamodb.Client
	authService     *auth.AuthService
	storageProvider adapter.StorageProvider
	mode            msgraph.Mode
	sharedDrive     string
	jwtSecret       string
}

func newServices(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*services, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	s := &services{awsCfg: awsCfg, dynamo: dynamodb.NewFromConfig(awsCfg)}

	// ---------- Secrets and encryption ----------
	var resolver secret.Resolver
	var kmsService crypto.Encryptor
	if cfg.DevMode {
		resolver = secret.NewEnvResolver(config.EnvPrefix)
		kmsService = crypto.NewMockEncryptor()
		log.Info("using environment secrets and mock encryptor (dev mode)")
	} else {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
		kmsService = crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.AWS.KMSKeyID)
	}
	resolver = secret.NewCached(resolver)

	s.jwtSecret, err = resolver.GetSecret(ctx, cfg.Auth.JWTSecretParam)
	if err != nil {
		if !cfg.DevMode {
			return nil, fmt.Errorf("failed to resolve JWT secret: %w", err)
		}
		log.WithError(err).Warn("JWT secret not set, using development default")
		s.jwtSecret = "default-dev-secret"
	}
	clientSecret, err := secret.Optional(ctx, resolver, cfg.Auth.ClientSecretParam, "")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve Graph client secret: %w", err)
	}

	// ---------- Identity ----------
	redirectURL := cfg.Auth.RedirectURL
	if redirectURL == "" {
		if cfg.DevMode {
			redirectURL = fmt.Sprintf("http://localhost:%d/auth/callback", cfg.Server.Port)
		} else {
			redirectURL = cfg.Auth.FrontendURL + "/api/auth/callback"
		}
	}
	oauthConfig := auth.NewOAuthConfig(cfg.Graph.Tenant, cfg.Graph.ClientID, clientSecret, redirectURL)
	var tokenStore auth.DynamoDBAPI
	if !cfg.DevMode {
		tokenStore = s.dynamo
	}
	s.authService = auth.NewAuthService(oauthConfig, tokenStore, cfg.AWS.TokenTable, kmsService, log)

	// ---------- Storage ----------
	s.mode, err = msgraph.ParseMode(cfg.Graph.Mode)
	if err != nil {
		return nil, err
	}
	memoryProvider := memory.NewProvider(s.dynamo, cfg.AWS.FileTable)
	if cfg.DevMode {
		s.storageProvider = memoryProvider
		log.Info("using memory storage provider (dev mode)")
		return s, nil
	}

	var appTS oauth2.TokenSource
	if s.mode == msgraph.ModeSite {
		appTS = auth.NewAppTokenSource(ctx, cfg.Graph.Tenant, cfg.Graph.ClientID, clientSecret)
		s.sharedDrive = "site:" + cfg.Graph.SiteID + ":" + cfg.Graph.DriveName
	}
	graphProvider := msgraph.NewProvider(s.authService, appTS, msgraph.Options{
		Mode:             s.mode,
		SiteID:           cfg.Graph.SiteID,
		DriveName:        cfg.Graph.DriveName,
		BaseURL:          cfg.Graph.BaseURL,
		ChunkSize:        cfg.Graph.ChunkSize,
		RequestTimeout:   cfg.Graph.RequestTimeout,
		ConflictBehavior: adapter.ConflictBehavior(cfg.Graph.ConflictBehavior),
		Logger:           log,
	})
	s.storageProvider = &adapter.HybridProvider{
		Primary:   graphProvider,
		Alternate: memoryProvider,
		Prefix:    cfg.Auth.DemoPrefix,
	}
	return s, nil
}

// NewStorageProvider returns the storage provider described by cfg.
func NewStorageProvider(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (adapter.StorageProvider, error) {
	s, err := newServices(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return s.storageProvider, nil
}

// NewApp initializes the application dependencies from cfg.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	s, err := newServices(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// ---------- Upload collaborators ----------
	var locker lease.Locker
	if cfg.DevMode {
		locker = lease.NewMockLocker()
	} else {
		locker = lease.NewLockManager(s.dynamo, cfg.AWS.LeaseTable)
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.AWS.UploadQueue != "" {
		publisher = notify.NewSQSPublisher(sqs.NewFromConfig(s.awsCfg), cfg.AWS.UploadQueue, log)
	}

	authHandler := handler.NewAuthHandler(s.authService, s.storageProvider, s.jwtSecret, handler.AuthOptions{
		FrontendURL:  cfg.Auth.FrontendURL,
		DevMode:      cfg.DevMode,
		GraphBaseURL: cfg.Graph.BaseURL,
		DemoPrefix:   cfg.Auth.DemoPrefix,
		Logger:       log,
	})
	fileHandler := handler.NewFileHandler(s.storageProvider, s.jwtSecret, handler.FileOptions{
		Locker:      locker,
		Publisher:   publisher,
		S3:          s3.NewFromConfig(s.awsCfg),
		SpoolDir:    cfg.Server.SpoolDir,
		SharedDrive: s.sharedDrive,
		Logger:      log,
	})

	log.WithFields(logrus.Fields{
		"mode":     s.mode,
		"dev_mode": cfg.DevMode,
	}).Info("graphdrive initialized")

	return New(authHandler, fileHandler, cfg.Auth.FrontendURL, log), nil
}

// New assembles an App from prebuilt handlers.
func New(authHandler *handler.AuthHandler, fileHandler *handler.FileHandler, frontendURL string, log logrus.FieldLogger) *App {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &App{authHandler: authHandler, fileHandler: fileHandler, frontendURL: frontendURL, log: log}
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	method := req.HTTPMethod
	// Strip /api prefix if present (for CloudFront proxying)
	path := strings.TrimPrefix(req.Path, "/api")
	path = strings.TrimSuffix(path, "/")

	app.log.WithFields(logrus.Fields{"method": method, "path": path}).Debug("request")

	if method == http.MethodOptions {
		return app.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}
	if req.QueryStringParameters == nil {
		req.QueryStringParameters = make(map[string]string)
	}

	type route func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)
	routes := map[string]route{
		"GET /auth/login":      app.authHandler.Login,
		"GET /auth/callback":   app.authHandler.Callback,
		"GET /auth/demo-login": app.authHandler.DemoLogin,
		"POST /auth/logout":    app.authHandler.Logout,
		"GET /auth/user":       app.authHandler.GetUser,

		"GET /files":        app.fileHandler.ReadFile,
		"PUT /files":        app.fileHandler.WriteFile,
		"DELETE /files":     app.fileHandler.DeleteFile,
		"GET /files/exists": app.fileHandler.FileExists,
		"GET /files/list":   app.fileHandler.ListFiles,
		"GET /files/url":    app.fileHandler.FileURL,
		"POST /uploads":     app.fileHandler.Upload,
		"POST /uploads/s3":  app.fileHandler.UploadFromS3,
	}

	if h, ok := routes[method+" "+path]; ok {
		return app.corsResponse(app.must(h(ctx, req))), nil
	}
	return app.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func (app *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.frontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PUT,DELETE,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, logging the error.
func (app *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		app.log.WithError(err).Error("handler error")
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
