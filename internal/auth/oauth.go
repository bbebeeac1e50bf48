package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/graphdrive/internal/crypto"
	"github.com/jun/graphdrive/internal/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// ErrUserNotFound is returned when no token is stored for a user.
var ErrUserNotFound = errors.New("user not found")

// DelegatedScopes are requested at sign-in. offline_access yields the
// refresh token the drive adapter runs on.
var DelegatedScopes = []string{"offline_access", "User.Read", "Files.ReadWrite.All"}

// NewOAuthConfig returns the authorization code flow config for a tenant
// ("common", "organizations" or a tenant ID).
func NewOAuthConfig(tenant, clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       DelegatedScopes,
	}
}

// DynamoDBAPI is the subset of the DynamoDB client used for the token table.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// AuthService handles OAuth2 authentication flows and token management.
type AuthService struct {
	oauthConfig  *oauth2.Config
	dynamoClient DynamoDBAPI
	tableName    string
	kmsService   crypto.Encryptor
	log          logrus.FieldLogger

	// In-memory fallback
	tokens map[string]model.UserToken
	mu     sync.RWMutex
}

// Config returns the OAuth2 config.
func (s *AuthService) Config() *oauth2.Config {
	return s.oauthConfig
}

// NewAuthService creates a new AuthService. A nil dynamoClient keeps tokens in memory.
func NewAuthService(oauthConfig *oauth2.Config, dynamoClient DynamoDBAPI, tableName string, kmsService crypto.Encryptor, log logrus.FieldLogger) *AuthService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthService{
		oauthConfig:  oauthConfig,
		dynamoClient: dynamoClient,
		tableName:    tableName,
		kmsService:   kmsService,
		log:          log,
		tokens:       make(map[string]model.UserToken),
	}
}

// GenerateAuthURL returns the URL to redirect the user to for Microsoft sign-in.
func (s *AuthService) GenerateAuthURL(state string) string {
	return s.oauthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// ExchangeCode exchanges the authorization code for an access token.
func (s *AuthService) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return s.oauthConfig.Exchange(ctx, code)
}

// SaveToken encrypts the refresh token and stores it in DynamoDB.
func (s *AuthService) SaveToken(ctx context.Context, userID string, token *oauth2.Token) error {
	if token.RefreshToken == "" {
		return fmt.Errorf("no refresh token in response")
	}

	encrypted, err := s.kmsService.Encrypt(ctx, token.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	// Preserve the account name across refreshes
	var account string
	if existing, err := s.GetUserToken(ctx, userID); err == nil {
		account = existing.Account
	}
	if upn, ok := token.Extra("upn").(string); ok && upn != "" {
		account = upn
	}

	return s.putUserToken(ctx, model.UserToken{
		UserID:                userID,
		EncryptedRefreshToken: encrypted,
		Account:               account,
		UpdatedAt:             time.Now(),
	})
}

// SetAccount records the signed-in account name for a user.
func (s *AuthService) SetAccount(ctx context.Context, userID, account string) error {
	userToken, err := s.GetUserToken(ctx, userID)
	if err != nil {
		return err
	}
	userToken.Account = account
	userToken.UpdatedAt = time.Now()
	return s.putUserToken(ctx, *userToken)
}

func (s *AuthService) putUserToken(ctx context.Context, userToken model.UserToken) error {
	if s.dynamoClient == nil {
		s.mu.Lock()
		s.tokens[userToken.UserID] = userToken
		s.mu.Unlock()
		return nil
	}

	item, err := attributevalue.MarshalMap(userToken)
	if err != nil {
		return fmt.Errorf("failed to marshal user token: %w", err)
	}
	_, err = s.dynamoClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save token to DynamoDB: %w", err)
	}
	return nil
}

// GetUserToken retrieves the UserToken from DynamoDB.
func (s *AuthService) GetUserToken(ctx context.Context, userID string) (*model.UserToken, error) {
	var userToken model.UserToken

	if s.dynamoClient == nil {
		s.mu.RLock()
		t, ok := s.tokens[userID]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrUserNotFound
		}
		return &t, nil
	}

	out, err := s.dynamoClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item from DynamoDB: %w", err)
	}
	if out.Item == nil {
		return nil, ErrUserNotFound
	}
	if err := attributevalue.UnmarshalMap(out.Item, &userToken); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user token: %w", err)
	}
	return &userToken, nil
}

// TokenSource returns a token source for the user that refreshes from the
// stored refresh token and writes back the rotated one Microsoft issues.
func (s *AuthService) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	userToken, err := s.GetUserToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.kmsService.Decrypt(ctx, userToken.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-1 * time.Hour), // Force refresh
	}
	rotating := &rotatingTokenSource{
		ctx:    context.WithoutCancel(ctx),
		svc:    s,
		userID: userID,
		base:   s.oauthConfig.TokenSource(ctx, token),
		last:   refreshToken,
	}
	return oauth2.ReuseTokenSource(nil, rotating), nil
}

// GetClient returns an authenticated http.Client for the user.
func (s *AuthService) GetClient(ctx context.Context, userID string) (*http.Client, error) {
	ts, err := s.TokenSource(ctx, userID)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// rotatingTokenSource persists every new refresh token seen on a refresh.
type rotatingTokenSource struct {
	ctx    context.Context
	svc    *AuthService
	userID string
	base   oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (r *rotatingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := r.base.Token()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	rotated := tok.RefreshToken != "" && tok.RefreshToken != r.last
	if rotated {
		r.last = tok.RefreshToken
	}
	r.mu.Unlock()

	if rotated {
		if err := r.svc.SaveToken(r.ctx, r.userID, tok); err != nil {
			r.svc.log.WithError(err).WithField("user_id", r.userID).Warn("failed to persist rotated refresh token")
		}
	}
	return tok, nil
}
