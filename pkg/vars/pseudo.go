package vars

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// registerBuiltinPseudoVars wires the small built-in catalog named in
// spec.md §4.A: {{$guid}}, {{$timestamp}}, {{$isoTimestamp}}, and
// {{$randomInt}}. Collections may override any of these by registering
// a pseudo-func of the same name.
func registerBuiltinPseudoVars(r *Resolver) {
	r.pseudo["guid"] = func(string) (string, error) {
		return uuid.NewString(), nil
	}
	r.pseudo["timestamp"] = func(string) (string, error) {
		return strconv.FormatInt(time.Now().Unix(), 10), nil
	}
	r.pseudo["isoTimestamp"] = func(string) (string, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	}
	r.pseudo["randomInt"] = func(args string) (string, error) {
		lo, hi := 0, 1000
		if args != "" {
			parts := strings.Split(args, ",")
			if len(parts) == 2 {
				var err error
				lo, err = strconv.Atoi(strings.TrimSpace(parts[0]))
				if err != nil {
					return "", fmt.Errorf("randomInt: bad lower bound %q", parts[0])
				}
				hi, err = strconv.Atoi(strings.TrimSpace(parts[1]))
				if err != nil {
					return "", fmt.Errorf("randomInt: bad upper bound %q", parts[1])
				}
			}
		}
		if hi <= lo {
			return "", fmt.Errorf("randomInt: upper bound %d must exceed lower bound %d", hi, lo)
		}
		return strconv.Itoa(lo + rand.Intn(hi-lo)), nil
	}
}
