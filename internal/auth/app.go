package auth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

// GraphDefaultScope requests every application permission granted to the app.
const GraphDefaultScope = "https://graph.microsoft.com/.default"

func appCredentials(tenant, clientID, clientSecret string) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     microsoft.AzureADEndpoint(tenant).TokenURL,
		Scopes:       []string{GraphDefaultScope},
	}
}

// NewAppTokenSource returns an application (client credentials) token
// source, used to reach site drives without a signed-in user.
func NewAppTokenSource(ctx context.Context, tenant, clientID, clientSecret string) oauth2.TokenSource {
	return appCredentials(tenant, clientID, clientSecret).TokenSource(ctx)
}
