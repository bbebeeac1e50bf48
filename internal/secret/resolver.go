// Package secret provides an abstraction for retrieving secrets from
// different backends (SSM Parameter Store, environment variables).
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrNotSet is returned when a secret has no value in the backend.
var ErrNotSet = errors.New("secret not set")

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by parameter name ("/graphdrive/jwt-secret").
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver fetches SecureString parameters from SSM Parameter Store.
type SSMResolver struct {
	client SSMClient
}

func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("ssm parameter %q: %w", name, ErrNotSet)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver reads secrets from environment variables named after the
// last segment of the parameter: "/graphdrive/graph-client-secret" is read
// from GRAPH_CLIENT_SECRET, or PREFIX_GRAPH_CLIENT_SECRET when Prefix is set.
type EnvResolver struct {
	Prefix string
}

func NewEnvResolver(prefix string) *EnvResolver {
	return &EnvResolver{Prefix: prefix}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := r.envVar(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q): %w", envName, name, ErrNotSet)
	}
	return val, nil
}

func (r *EnvResolver) envVar(name string) string {
	v := paramNameToEnvVar(name)
	if r.Prefix != "" {
		v = strings.ToUpper(strings.TrimSuffix(r.Prefix, "_")) + "_" + v
	}
	return v
}

func paramNameToEnvVar(name string) string {
	parts := strings.Split(strings.TrimRight(name, "/"), "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// Cached memoizes successful lookups of another Resolver for the life of
// the process (one Lambda container).
type Cached struct {
	next   Resolver
	mu     sync.Mutex
	values map[string]string
}

func NewCached(next Resolver) *Cached {
	return &Cached{next: next, values: make(map[string]string)}
}

func (c *Cached) GetSecret(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	v, ok := c.values[name]
	c.mu.Unlock()
	if ok {
		return v, nil
	}

	v, err := c.next.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
	return v, nil
}

// Optional returns fallback when the secret is not set. Other errors are returned.
func Optional(ctx context.Context, r Resolver, name, fallback string) (string, error) {
	v, err := r.GetSecret(ctx, name)
	if errors.Is(err, ErrNotSet) {
		return fallback, nil
	}
	return v, err
}
