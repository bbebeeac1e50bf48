package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jun/graphdrive/internal/adapter"
	"github.com/jun/graphdrive/internal/auth"
	"github.com/sirupsen/logrus"
	xoauth2 "golang.org/x/oauth2"
)

const stateCookie = "oauth_state"

// AuthOptions configures an AuthHandler.
type AuthOptions struct {
	FrontendURL string
	// DevMode relaxes cookies to SameSite=Lax for a local frontend.
	DevMode bool
	// GraphBaseURL is where the signed-in profile is read from.
	GraphBaseURL string
	DemoPrefix   string
	Logger       logrus.FieldLogger
}

// AuthHandler handles authentication requests.
type AuthHandler struct {
	authService     *auth.AuthService
	storageProvider adapter.StorageProvider
	jwtSecret       string
	opts            AuthOptions
	log             logrus.FieldLogger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(s *auth.AuthService, sp adapter.StorageProvider, jwtSecret string, opts AuthOptions) *AuthHandler {
	if opts.FrontendURL == "" {
		opts.FrontendURL = "http://localhost:3000"
	}
	if opts.GraphBaseURL == "" {
		opts.GraphBaseURL = "https://graph.microsoft.com/v1.0"
	}
	if opts.DemoPrefix == "" {
		opts.DemoPrefix = "demo-user-"
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthHandler{authService: s, storageProvider: sp, jwtSecret: jwtSecret, opts: opts, log: log}
}

func (h *AuthHandler) sameSite() string {
	if h.opts.DevMode {
		return "Lax"
	}
	return "None"
}

func (h *AuthHandler) cookie(name, value string, maxAge int) string {
	return fmt.Sprintf("%s=%s; HttpOnly; Path=/; Max-Age=%d; SameSite=%s; Secure", name, value, maxAge, h.sameSite())
}

// Login initiates the Microsoft sign-in flow.
func (h *AuthHandler) Login(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	state := uuid.NewString()
	url := h.authService.GenerateAuthURL(state)

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location": url,
		},
		MultiValueHeaders: map[string][]string{
			"Set-Cookie": {h.cookie(stateCookie, state, 600)},
		},
	}, nil
}

// graphProfile is the subset of /me the session is built from.
type graphProfile struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
}

func (h *AuthHandler) fetchProfile(ctx context.Context, token *xoauth2.Token) (*graphProfile, error) {
	client := h.authService.Config().Client(ctx, token)
	url := strings.TrimRight(h.opts.GraphBaseURL, "/") + "/me?$select=id,userPrincipalName,displayName"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	var profile graphProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("unable to decode profile: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("profile has no id")
	}
	return &profile, nil
}

// Callback handles the OAuth2 callback from the Microsoft identity platform.
func (h *AuthHandler) Callback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if errCode := req.QueryStringParameters["error"]; errCode != "" {
		h.log.WithField("error", errCode).WithField("description", req.QueryStringParameters["error_description"]).Warn("sign-in was rejected")
		return textResponse(http.StatusUnauthorized, "Sign-in failed"), nil
	}
	code := req.QueryStringParameters["code"]
	if code == "" {
		return textResponse(http.StatusBadRequest, "Missing code"), nil
	}
	state := req.QueryStringParameters["state"]
	if state == "" || state != cookie(req, stateCookie) {
		return textResponse(http.StatusBadRequest, "Invalid state"), nil
	}

	token, err := h.authService.ExchangeCode(ctx, code)
	if err != nil {
		h.log.WithError(err).Error("failed to exchange code")
		return textResponse(http.StatusInternalServerError, "Failed to exchange code"), nil
	}

	profile, err := h.fetchProfile(ctx, token)
	if err != nil {
		h.log.WithError(err).Error("failed to get user profile")
		return textResponse(http.StatusInternalServerError, "Failed to get user info"), nil
	}
	userID := profile.ID
	log := h.log.WithField("user_id", userID)

	// A missing refresh token on a repeated consent keeps the stored one.
	if err := h.authService.SaveToken(ctx, userID, token); err != nil {
		log.WithError(err).Warn("failed to save refresh token")
	} else if err := h.authService.SetAccount(ctx, userID, profile.UserPrincipalName); err != nil {
		log.WithError(err).Warn("failed to record account name")
	}

	signedToken, err := h.signSession(userID, profile.UserPrincipalName, profile.DisplayName, 24*time.Hour)
	if err != nil {
		return textResponse(http.StatusInternalServerError, "Failed to sign token"), nil
	}
	log.Info("user signed in")

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location": fmt.Sprintf("%s/?success=true", h.opts.FrontendURL),
		},
		MultiValueHeaders: map[string][]string{
			"Set-Cookie": {
				h.cookie(sessionCookie, signedToken, 86400),
				h.cookie(stateCookie, "", 0),
			},
		},
	}, nil
}

func (h *AuthHandler) signSession(userID, account, name string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"upn":  account,
		"name": name,
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.jwtSecret))
}

// GetUser returns the current user's profile.
func (h *AuthHandler) GetUser(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}

	token, err := h.authService.GetUserToken(ctx, userID)
	if err != nil {
		return textResponse(http.StatusInternalServerError, "Failed to get user profile"), nil
	}

	return jsonResponse(http.StatusOK, map[string]string{
		"id":      token.UserID,
		"account": token.Account,
	}), nil
}

// demoFiles seed the drive of a new demo user.
var demoFiles = []struct {
	Path    string
	Content string
}{
	{
		Path: "Welcome.md",
		Content: `# Welcome to graphdrive

This demo drive lives in memory. Everything here behaves like a OneDrive or
SharePoint library reached through Microsoft Graph:

- list folders with GET /files/list?dir=&recursive=true
- read and write small files with GET and PUT /files?path=
- send large files with POST /uploads?path=, which streams them through an
  upload session in 10 MiB chunks
`,
	},
	{
		Path:    "samples/hello.txt",
		Content: "Hello from graphdrive!\n",
	},
	{
		Path:    "samples/data/numbers.csv",
		Content: "n,square\n1,1\n2,4\n3,9\n",
	},
}

// DemoLogin issues a temporary JWT for a seeded in-memory drive.
func (h *AuthHandler) DemoLogin(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID := h.opts.DemoPrefix + uuid.NewString()
	account := "demo@graphdrive.local"
	log := h.log.WithField("user_id", userID)

	storage, err := h.storageProvider.GetAdapter(ctx, userID)
	if err != nil {
		log.WithError(err).Error("failed to get demo storage adapter")
		return textResponse(http.StatusInternalServerError, "Failed to get storage adapter"), nil
	}

	// Save a dummy token so that GetUser works for the demo session.
	dummyToken := &xoauth2.Token{
		AccessToken:  "dummy-access-token",
		RefreshToken: "dummy-refresh-token",
		Expiry:       time.Now().Add(1 * time.Hour),
		TokenType:    "Bearer",
	}
	if err := h.authService.SaveToken(ctx, userID, dummyToken); err != nil {
		log.WithError(err).Error("failed to save demo user token")
		return textResponse(http.StatusInternalServerError, "Failed to save demo user token"), nil
	}
	if err := h.authService.SetAccount(ctx, userID, account); err != nil {
		log.WithError(err).Warn("failed to set demo account")
	}

	for _, f := range demoFiles {
		if _, err := storage.Write(ctx, f.Path, []byte(f.Content)); err != nil {
			// Continue even if one file fails
			log.WithError(err).WithField("path", f.Path).Warn("failed to seed demo file")
		}
	}

	signedToken, err := h.signSession(userID, account, "Demo User", time.Hour)
	if err != nil {
		return textResponse(http.StatusInternalServerError, "Failed to sign token"), nil
	}

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location": fmt.Sprintf("%s/?token=%s", h.opts.FrontendURL, signedToken),
		},
		MultiValueHeaders: map[string][]string{
			"Set-Cookie": {h.cookie(sessionCookie, signedToken, 3600)},
		},
	}, nil
}

// Logout clears the session cookie.
func (h *AuthHandler) Logout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Body:       `{"success":true}`,
		MultiValueHeaders: map[string][]string{
			"Set-Cookie": {h.cookie(sessionCookie, "", 0)},
		},
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}, nil
}
