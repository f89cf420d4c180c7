package scope

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// CookieJar is an RFC 6265 cookie store keyed by domain and path,
// shared by the whole run (spec.md §3.5, §5 "Shared resources"). It is
// mutated only from the script pool (a request's post-phase); the
// request pool only reads a materialized header string captured before
// issuing the request.
type CookieJar struct {
	mu    sync.Mutex
	byKey map[string]map[string]*http.Cookie // "domain|path" -> name -> cookie
}

// NewCookieJar returns an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{byKey: map[string]map[string]*http.Cookie{}}
}

func jarKey(domain, path string) string {
	if path == "" {
		path = "/"
	}
	return strings.ToLower(domain) + "|" + path
}

// SetCookies stores cookies received for the given domain/path,
// following the usual "same name replaces, MaxAge<0 or Expires in the
// past deletes" semantics.
func (j *CookieJar) SetCookies(domain, path string, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := jarKey(domain, path)
	bucket, ok := j.byKey[key]
	if !ok {
		bucket = map[string]*http.Cookie{}
		j.byKey[key] = bucket
	}
	for _, c := range cookies {
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(time.Now())) {
			delete(bucket, c.Name)
			continue
		}
		bucket[c.Name] = c
	}
}

// Header materializes the "Cookie:" header value for a domain/path as a
// single semicolon-joined string, the form the I/O phase copies before
// issuing a request (spec.md §5 "reads by the I/O phase copy the cookie
// header string before issuing the request").
func (j *CookieJar) Header(domain, path string) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	bucket := j.byKey[jarKey(domain, path)]
	if len(bucket) == 0 {
		return ""
	}
	parts := make([]string, 0, len(bucket))
	for _, c := range bucket {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Clear empties the jar. Called after a request's afterItem event when
// jar.persist=false (spec.md §8.1 "cookie isolation under
// parallel+non-persistent").
func (j *CookieJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.byKey = map[string]map[string]*http.Cookie{}
}

// ToObject flattens the whole jar into a name->value map, the shape
// quest.cookies.toObject() hands back to scripts and tests inspect
// (spec.md §8.3 scenario 5).
func (j *CookieJar) ToObject() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := map[string]string{}
	for _, bucket := range j.byKey {
		for name, c := range bucket {
			out[name] = c.Value
		}
	}
	return out
}
