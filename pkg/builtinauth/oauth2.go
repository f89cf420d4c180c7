// Package builtinauth implements the runtime's few non-dynamic auth
// plugins: the ones registered into the Plugin Registry at startup
// rather than discovered under plugins/ (spec.md §6.2). OAuth2 is
// grounded on falcon's shared/auth.go OAuth2Tool, swapping its
// tool-call/variable-store plumbing for the AuthPlugin.Apply contract.
package builtinauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

// Name is the registry key this plugin registers under.
const Name = "oauth2"

// OAuth2Plugin obtains an access token via the client_credentials or
// password grant and attaches it as a Bearer Authorization header.
// auth.Data carries {flow, tokenUrl, clientId, clientSecret, scopes[],
// username, password}.
type OAuth2Plugin struct{}

func (OAuth2Plugin) Apply(ctx context.Context, request interface{}, auth map[string]interface{}, options map[string]interface{}, log pluginapi.Logger) (interface{}, error) {
	req, ok := request.(*pluginapi.Request)
	if !ok {
		return nil, fmt.Errorf("oauth2: unsupported request shape %T", request)
	}

	flow, _ := auth["flow"].(string)
	tokenURL, _ := auth["tokenUrl"].(string)
	clientID, _ := auth["clientId"].(string)
	clientSecret, _ := auth["clientSecret"].(string)
	scopes := stringSlice(auth["scopes"])

	if tokenURL == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("oauth2: tokenUrl, clientId and clientSecret are required")
	}

	var token *oauth2.Token
	var err error

	switch flow {
	case "", "client_credentials":
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		token, err = cfg.Token(ctx)
	case "password":
		username, _ := auth["username"].(string)
		password, _ := auth["password"].(string)
		if username == "" || password == "" {
			return nil, fmt.Errorf("oauth2: username and password are required for the password flow")
		}
		cfg := oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		}
		token, err = cfg.PasswordCredentialsToken(ctx, username, password)
	default:
		return nil, fmt.Errorf("oauth2: unsupported flow %q (supported: client_credentials, password)", flow)
	}
	if err != nil {
		return nil, fmt.Errorf("oauth2: token request failed: %w", err)
	}

	if log != nil {
		log.Debugw("oauth2 token acquired", "flow", flow, "tokenType", token.TokenType)
	}

	if req.Headers == nil {
		req.Headers = map[string][]string{}
	}
	req.Headers["Authorization"] = []string{"Bearer " + token.AccessToken}
	return req, nil
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
