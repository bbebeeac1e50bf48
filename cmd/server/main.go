package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"github.com/jun/graphdrive/internal/app"
	"github.com/jun/graphdrive/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("GRAPHDRIVE_CONFIG_FILE"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	application, err := app.NewApp(context.Background(), cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize")
	}

	http.Handle("/", bridge(application))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logrus.WithField("addr", addr).Info("starting local server")
	logrus.Fatal(http.ListenAndServe(addr, nil))
}

// bridge adapts net/http requests to the API Gateway handler. Bodies are
// always passed base64 encoded so binary uploads survive.
func bridge(application *app.App) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		headers := make(map[string]string)
		for k, v := range r.Header {
			headers[k] = v[0]
		}

		queryParams := make(map[string]string)
		for k, v := range r.URL.Query() {
			queryParams[k] = v[0]
		}

		req := events.APIGatewayProxyRequest{
			Path:                  r.URL.Path,
			HTTPMethod:            r.Method,
			Headers:               headers,
			QueryStringParameters: queryParams,
			Body:                  base64.StdEncoding.EncodeToString(body),
			IsBase64Encoded:       true,
		}

		resp, err := application.HandleRequest(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		for k, vs := range resp.MultiValueHeaders {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		respBody := []byte(resp.Body)
		if resp.IsBase64Encoded {
			if respBody, err = base64.StdEncoding.DecodeString(resp.Body); err != nil {
				http.Error(w, "invalid response body", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
	})
}
