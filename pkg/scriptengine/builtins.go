package scriptengine

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// registerBuiltinModules installs the fixed allow-list require() can
// resolve without an External-Library Loader entry (spec.md §4.J
// "restricted module imports"), mirroring the stdlib package whitelist
// codenerd's yaegi_executor.go enforces for its own sandbox.
func registerBuiltinModules(e *Engine) {
	e.builtinModules["uuid"] = moduleUUID
	e.builtinModules["crypto"] = moduleCrypto
	e.builtinModules["base64"] = moduleBase64
}

func moduleUUID(rt *goja.Runtime) goja.Value {
	obj := rt.NewObject()
	_ = obj.Set("v4", func() string { return uuid.NewString() })
	return obj
}

func moduleCrypto(rt *goja.Runtime) goja.Value {
	obj := rt.NewObject()
	_ = obj.Set("md5", func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	_ = obj.Set("sha1", func(s string) string {
		sum := sha1.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	_ = obj.Set("sha256", func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	_ = obj.Set("hmacSHA256", func(key, s string) string {
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write([]byte(s))
		return hex.EncodeToString(mac.Sum(nil))
	})
	return obj
}

func moduleBase64(rt *goja.Runtime) goja.Value {
	obj := rt.NewObject()
	_ = obj.Set("encode", func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) })
	_ = obj.Set("decode", func(s string) (string, error) {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	return obj
}
