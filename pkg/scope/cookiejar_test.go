package scope

import (
	"net/http"
	"testing"
)

func TestCookieJarSetAndHeader(t *testing.T) {
	j := NewCookieJar()
	j.SetCookies("example.com", "/", []*http.Cookie{
		{Name: "k", Value: "v1"},
		{Name: "session", Value: "abc"},
	})

	header := j.Header("example.com", "/")
	if header == "" {
		t.Fatal("expected non-empty cookie header")
	}
	obj := j.ToObject()
	if obj["k"] != "v1" || obj["session"] != "abc" {
		t.Fatalf("unexpected jar contents: %#v", obj)
	}
}

func TestCookieJarClearOnNonPersist(t *testing.T) {
	j := NewCookieJar()
	j.SetCookies("example.com", "/", []*http.Cookie{{Name: "k", Value: "v"}})
	j.Clear()
	if len(j.ToObject()) != 0 {
		t.Fatal("expected jar to be empty after Clear")
	}
}

func TestCookieJarMaxAgeNegativeDeletes(t *testing.T) {
	j := NewCookieJar()
	j.SetCookies("example.com", "/", []*http.Cookie{{Name: "k", Value: "v"}})
	j.SetCookies("example.com", "/", []*http.Cookie{{Name: "k", Value: "", MaxAge: -1}})
	if _, ok := j.ToObject()["k"]; ok {
		t.Fatal("expected cookie with negative MaxAge to be removed")
	}
}
