package pipeline

import (
	"regexp"
	"strings"

	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

var forbiddenSQL = regexp.MustCompile(`(?i)\b(update|delete|drop|create|function)\b`)

// guardFragments rejects raw SQL fragments that could mutate the database.
func guardFragments(fragments ...string) error {
	for _, f := range fragments {
		if f == "" {
			continue
		}
		if m := forbiddenSQL.FindString(f); m != "" {
			return &geodberr.InjectionGuardError{Fragment: f, Keyword: strings.ToLower(m)}
		}
	}
	return nil
}
