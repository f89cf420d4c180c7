package scriptengine

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/google/go-cmp/cmp"
)

// expectFunc builds quest.expect(value), a small chainable assertion
// library in the shape familiar from Chai/Jest. Comparisons use
// go-cmp for deep equality, the same "compare decoded values, not
// strings" approach falcon's assert.go applies via its deepEqual
// helper, adapted here from raw interface{} JSON comparisons to a
// script-facing fluent API.
func (e *Engine) expectFunc(rt *goja.Runtime) func(actual interface{}) *goja.Object {
	return func(actual interface{}) *goja.Object {
		obj := rt.NewObject()
		to := rt.NewObject()
		_ = obj.Set("to", to)

		fail := func(format string, args ...interface{}) {
			panic(rt.ToValue(fmt.Sprintf(format, args...)))
		}

		_ = to.Set("equal", func(expected interface{}) {
			if !cmp.Equal(actual, expected) {
				fail("expected %v to equal %v", actual, expected)
			}
		})
		_ = to.Set("deep", to)

		be := rt.NewObject()
		_ = to.Set("be", be)
		_ = be.Set("true", func() {
			if v, ok := actual.(bool); !ok || !v {
				fail("expected %v to be true", actual)
			}
		})
		_ = be.Set("false", func() {
			if v, ok := actual.(bool); !ok || v {
				fail("expected %v to be false", actual)
			}
		})
		_ = be.Set("null", func() {
			if actual != nil {
				fail("expected %v to be null", actual)
			}
		})
		_ = be.Set("above", func(n float64) {
			v, ok := toFloat(actual)
			if !ok || v <= n {
				fail("expected %v to be above %v", actual, n)
			}
		})
		_ = be.Set("below", func(n float64) {
			v, ok := toFloat(actual)
			if !ok || v >= n {
				fail("expected %v to be below %v", actual, n)
			}
		})

		_ = to.Set("include", func(needle interface{}) {
			if !contains(actual, needle) {
				fail("expected %v to include %v", actual, needle)
			}
		})
		_ = to.Set("have", rt.NewObject())
		haveObj := to.Get("have").(*goja.Object)
		_ = haveObj.Set("property", func(name string) {
			m, ok := actual.(map[string]interface{})
			if !ok {
				fail("expected an object with property %q", name)
				return
			}
			if _, ok := m[name]; !ok {
				fail("expected object to have property %q", name)
			}
		})
		_ = be.Set("ok", func() {
			if actual == nil || actual == false || actual == "" {
				fail("expected %v to be truthy", actual)
			}
		})

		return obj
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && stringContains(h, s)
	case []interface{}:
		for _, item := range h {
			if cmp.Equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, ok = h[key]
		return ok
	default:
		return false
	}
}

func stringContains(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
