package builtinauth

import (
	"context"
	"fmt"

	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

// BearerName is the registry key BearerPlugin registers under.
const BearerName = "bearer"

// BearerPlugin attaches a pre-resolved token as a Bearer Authorization
// header. auth.Data carries {token}. Grounded on falcon's
// shared/auth.go BearerTool, stripped of its tool-call/variable-store
// plumbing: the resolver has already expanded any {{VAR}} reference in
// auth.Data by the time Apply runs.
type BearerPlugin struct{}

func (BearerPlugin) Apply(ctx context.Context, request interface{}, auth map[string]interface{}, options map[string]interface{}, log pluginapi.Logger) (interface{}, error) {
	req, ok := request.(*pluginapi.Request)
	if !ok {
		return nil, fmt.Errorf("bearer: unsupported request shape %T", request)
	}

	token, _ := auth["token"].(string)
	if token == "" {
		return nil, fmt.Errorf("bearer: token is required")
	}

	if req.Headers == nil {
		req.Headers = map[string][]string{}
	}
	req.Headers["Authorization"] = []string{"Bearer " + token}
	return req, nil
}
