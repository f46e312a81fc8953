// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oauthrest implements the "oauth2-declarative" strategy: an
// authentication wrapper around the rest-declarative strategy. It turns a
// stored refresh token into a valid access token (refreshing through
// golang.org/x/oauth2 when expired) and injects it into every declarative
// action call the embedded REST strategy makes.
package oauthrest

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/tombee/conductor-flow/internal/strategy"
	"github.com/tombee/conductor-flow/internal/strategy/rest"
)

// Strategy wraps a rest.Strategy, authenticating every delegated call with
// an OAuth2 access token derived from the connection's refresh token.
type Strategy struct {
	REST *rest.Strategy
}

func New() *Strategy {
	return &Strategy{REST: rest.New()}
}

func (s *Strategy) Key() string { return "oauth2-declarative" }

func tokenURL(conn *strategy.Connection) (string, error) {
	oauthConfig, _ := conn.Config["oauth_config"].(map[string]any)
	url, ok := oauthConfig["token_url"].(string)
	if !ok || url == "" {
		return "", fmt.Errorf("strategy/oauthrest: connection %q has no oauth_config.token_url", conn.Alias)
	}
	return url, nil
}

// oauthClient builds the OAuth2 config and the seed token (the stored
// refresh token plus any stored access token) from the connection and its
// secrets. Callers turn them into a client or token source that refreshes
// via the refresh_token grant when the access token is absent or expired.
func (s *Strategy) oauthClient(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (*oauth2.Config, *oauth2.Token, error) {
	endpoint, err := tokenURL(conn)
	if err != nil {
		return nil, nil, err
	}
	clientID := secrets["client_id"]
	clientSecret := secrets["client_secret"]
	refreshToken := secrets["refresh_token"]
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, nil, fmt.Errorf("strategy/oauthrest: missing client_id, client_secret, or refresh_token in secrets")
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: endpoint},
	}
	token := &oauth2.Token{RefreshToken: refreshToken}
	if secrets["access_token"] != "" {
		token.AccessToken = secrets["access_token"]
	}
	return cfg, token, nil
}

// TestConnection proves client_id, client_secret, and refresh_token are all
// valid by performing a live token refresh.
func (s *Strategy) TestConnection(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (bool, error) {
	cfg, token, err := s.oauthClient(ctx, conn, secrets)
	if err != nil {
		return false, err
	}
	fresh, err := cfg.TokenSource(ctx, token).Token()
	if err != nil {
		return false, fmt.Errorf("strategy/oauthrest: token refresh failed: %w", err)
	}
	return fresh.Valid(), nil
}

// authenticated returns a copy of the embedded REST strategy whose HTTP
// client auto-attaches the OAuth2 bearer token, leaving the shared
// strategy instance untouched so concurrent calls don't race on Client.
func (s *Strategy) authenticated(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets) (*rest.Strategy, error) {
	cfg, token, err := s.oauthClient(ctx, conn, secrets)
	if err != nil {
		return nil, err
	}
	client := cfg.Client(ctx, token)
	delegate := *s.REST
	delegate.Client = client
	return &delegate, nil
}

// RunDeclarativeAction authenticates with OAuth2 then delegates to the
// embedded REST strategy's declarative action dispatch.
func (s *Strategy) RunDeclarativeAction(ctx context.Context, conn *strategy.Connection, secrets strategy.Secrets, params map[string]any, input any, dryRun bool) (any, error) {
	delegate, err := s.authenticated(ctx, conn, secrets)
	if err != nil {
		return nil, err
	}
	return delegate.RunDeclarativeAction(ctx, conn, secrets, params, input, dryRun)
}

var (
	_ strategy.DeclarativeActionRunner = (*Strategy)(nil)
)
