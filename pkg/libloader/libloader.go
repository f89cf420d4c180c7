// Package libloader implements the External-Library Loader (spec.md
// §4.N): an optional, explicitly-gated fetch of CommonJS-style script
// libraries from a published package, a local file, or a remote URL,
// exposed to the Script Engine's require() as a name->module map.
//
// Grounded on pluginloader's CommonJS module.exports evaluation (its
// loadOne: a fresh goja.Runtime, a module/exports shim, RunString the
// fetched source), generalized from plugin entry points read off disk
// to three source kinds, and from a mutex-guarded live runtime to an
// Export()'d Go-native value so the loaded module outlives its
// throwaway evaluation runtime and can be handed to the Script
// Engine's own runtime safely.
package libloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/sync/singleflight"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/collection"
)

// Options configures one Loader. BaseURL resolves a LibraryPackage
// ref's name+version to a fetchable URL, since the pack carries no npm
// registry client — see DESIGN.md for why this stays a plain HTTP GET.
type Options struct {
	Allowed bool
	BaseURL string
	Client  *http.Client
}

// Loader fetches and evaluates external libraries, memoizing each
// distinct source within the Loader's lifetime (spec.md §4.N): a source
// already fetched is served from the cache on later Load calls, and
// singleflight collapses concurrent fetches of the same source into one.
type Loader struct {
	opts   Options
	group  singleflight.Group
	cache  sync.Map // source key -> fetched source string
	client *http.Client
}

// New returns a Loader configured for one run.
func New(opts Options) *Loader {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Loader{opts: opts, client: client}
}

// Load fetches and evaluates every ref, returning the name->module map
// the Script Engine installs via SetExternalLibraries. A non-empty refs
// with Options.Allowed=false is rejected outright with a SecurityError
// (spec.md §4.M step 4), never touching the network or filesystem.
func (l *Loader) Load(ctx context.Context, refs []collection.LibraryRef) (map[string]interface{}, error) {
	if len(refs) == 0 {
		return map[string]interface{}{}, nil
	}
	if !l.opts.Allowed {
		return nil, &errs.SecurityError{Reason: "collection declares external libraries but allow-external-libraries is not set"}
	}

	modules := make(map[string]interface{}, len(refs))
	for _, ref := range refs {
		source, err := l.fetch(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("loading library %q: %w", ref.Name, err)
		}
		exported, err := evaluate(source)
		if err != nil {
			return nil, fmt.Errorf("evaluating library %q: %w", ref.Name, err)
		}
		modules[ref.Name] = exported
	}
	return modules, nil
}

// fetch resolves ref to its raw CommonJS source, returning the cached
// copy when this Loader has already fetched the same key and
// deduplicating concurrent fetches of one key via singleflight.
func (l *Loader) fetch(ctx context.Context, ref collection.LibraryRef) (string, error) {
	key := sourceKey(ref)
	if cached, ok := l.cache.Load(key); ok {
		return cached.(string), nil
	}
	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		switch ref.Source {
		case collection.LibraryFile:
			b, err := os.ReadFile(ref.Path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", ref.Path, err)
			}
			return string(b), nil

		case collection.LibraryURL:
			return l.fetchHTTP(ctx, ref.URL)

		case collection.LibraryPackage:
			if l.opts.BaseURL == "" {
				return nil, fmt.Errorf("no package registry configured for %q", ref.Name)
			}
			url := fmt.Sprintf("%s/%s/%s.js", l.opts.BaseURL, ref.Name, ref.Version)
			return l.fetchHTTP(ctx, url)

		default:
			return nil, fmt.Errorf("unknown library source %q", ref.Source)
		}
	})
	if err != nil {
		return "", err
	}
	l.cache.Store(key, v)
	return v.(string), nil
}

func (l *Loader) fetchHTTP(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func sourceKey(ref collection.LibraryRef) string {
	switch ref.Source {
	case collection.LibraryFile:
		return "file:" + ref.Path
	case collection.LibraryURL:
		return "url:" + ref.URL
	default:
		return "package:" + ref.Name + "@" + ref.Version
	}
}

// evaluate runs source as a CommonJS module in a throwaway runtime and
// exports its module.exports value as a plain Go value, so it can be
// handed across to the Script Engine's own runtime without carrying a
// dependency on the runtime that evaluated it.
func evaluate(source string) (interface{}, error) {
	rt := goja.New()
	module := rt.NewObject()
	_ = module.Set("exports", rt.NewObject())
	_ = rt.Set("module", module)
	_ = rt.Set("exports", module.Get("exports"))

	if _, err := rt.RunString(source); err != nil {
		return nil, err
	}
	return module.Get("exports").Export(), nil
}
