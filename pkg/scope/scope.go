// Package scope resolves the visibility domain of a conversation and turns
// it into a row-level filter predicate. Unscoped legacy rows are treated as
// personal, never as globally visible, and the predicate is applied at the
// query layer so pagination cannot leak rows.
package scope

import (
	"fmt"
	"strings"
)

// DefaultScope is the visibility domain assumed when a conversation has no
// explicit scope configured.
const DefaultScope = "personal"

// Normalize lower-cases and trims a scope value, falling back to
// DefaultScope when empty.
func Normalize(value string) string {
	return NormalizeWithFallback(value, DefaultScope)
}

// NormalizeWithFallback lower-cases and trims a scope value, falling back
// to the given default when the result is empty.
func NormalizeWithFallback(value, fallback string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return strings.ToLower(strings.TrimSpace(fallback))
	}
	return v
}

// EntityIDs are the company/contact references attached to a scoped
// conversation.
type EntityIDs struct {
	CompanyID string
	ContactID string
}

// ExtractEntityIDs pulls company and contact references out of a metadata
// map, accepting both snake_case and camelCase key spellings that exist in
// historical rows. Idempotent: feeding its output back yields the same IDs.
func ExtractEntityIDs(meta map[string]any) EntityIDs {
	var ids EntityIDs
	ids.CompanyID = stringValue(meta, "company_id", "companyId")
	ids.ContactID = stringValue(meta, "contact_id", "contactId")
	return ids
}

func stringValue(meta map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Options control scope resolution for a query.
type Options struct {
	// Scope is the single conversation scope, used when no allow-list is
	// given.
	Scope string
	// AllowedScopes is an explicit allow-list. Wins over Scope when
	// non-empty.
	AllowedScopes []string
	// AllScopes grants unfiltered access. The only way to get a nil result.
	AllScopes bool
}

// ResolveAllowed returns the set of scopes a query may see. A nil return
// means "no filter, full access" and happens only when AllScopes is set.
func ResolveAllowed(opts Options) []string {
	if opts.AllScopes {
		return nil
	}
	if len(opts.AllowedScopes) > 0 {
		seen := make(map[string]bool, len(opts.AllowedScopes))
		allowed := make([]string, 0, len(opts.AllowedScopes))
		for _, s := range opts.AllowedScopes {
			n := Normalize(s)
			if !seen[n] {
				seen[n] = true
				allowed = append(allowed, n)
			}
		}
		if len(allowed) > 0 {
			return allowed
		}
	}
	return []string{Normalize(opts.Scope)}
}

// FilterSQL builds a parameterized predicate over the given column
// expression, using pgx positional placeholders starting at paramIndex.
// A row matches when its explicit scope is in the allowed set, or when the
// column is null/empty and "personal" is allowed. A nil allowed set yields
// an always-true predicate (full access); an empty non-nil set allows
// nothing and yields an always-false predicate.
//
// Returns the predicate, its arguments, and the next free parameter index.
// The fragment is embedded by the query layer into a larger statement; it
// is not a standalone query.
func FilterSQL(columnExpr string, paramIndex int, allowed []string) (string, []any, int) {
	if allowed == nil {
		return "TRUE", nil, paramIndex
	}
	if len(allowed) == 0 {
		return "FALSE", nil, paramIndex
	}

	placeholders := make([]string, len(allowed))
	args := make([]any, len(allowed))
	personal := false
	for i, s := range allowed {
		placeholders[i] = fmt.Sprintf("$%d", paramIndex+i)
		args[i] = s
		if s == DefaultScope {
			personal = true
		}
	}
	next := paramIndex + len(allowed)

	pred := fmt.Sprintf("LOWER(TRIM(%s)) IN (%s)", columnExpr, strings.Join(placeholders, ", "))
	if personal {
		pred = fmt.Sprintf("(%s OR %s IS NULL OR TRIM(%s) = '')", pred, columnExpr, columnExpr)
	} else {
		pred = "(" + pred + ")"
	}
	return pred, args, next
}
