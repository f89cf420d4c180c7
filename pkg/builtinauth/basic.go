package builtinauth

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

// BasicName is the registry key BasicPlugin registers under.
const BasicName = "basic"

// BasicPlugin base64-encodes a username:password pair into a Basic
// Authorization header. auth.Data carries {username, password}.
// Grounded on falcon's shared/auth.go BasicTool.
type BasicPlugin struct{}

func (BasicPlugin) Apply(ctx context.Context, request interface{}, auth map[string]interface{}, options map[string]interface{}, log pluginapi.Logger) (interface{}, error) {
	req, ok := request.(*pluginapi.Request)
	if !ok {
		return nil, fmt.Errorf("basic: unsupported request shape %T", request)
	}

	username, _ := auth["username"].(string)
	password, _ := auth["password"].(string)
	if username == "" {
		return nil, fmt.Errorf("basic: username is required")
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))

	if req.Headers == nil {
		req.Headers = map[string][]string{}
	}
	req.Headers["Authorization"] = []string{"Basic " + encoded}
	return req, nil
}
