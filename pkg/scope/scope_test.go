package scope

import (
	"reflect"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Company", "company"},
		{"  PERSONAL  ", "personal"},
		{"", "personal"},
		{"   ", "personal"},
		{"shared", "shared"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeWithFallback(t *testing.T) {
	if got := NormalizeWithFallback("", "Team"); got != "team" {
		t.Errorf("NormalizeWithFallback fallback = %q, want team", got)
	}
	if got := NormalizeWithFallback("Work", "team"); got != "work" {
		t.Errorf("NormalizeWithFallback = %q, want work", got)
	}
}

func TestExtractEntityIDs(t *testing.T) {
	snake := ExtractEntityIDs(map[string]any{
		"company_id": "co-1",
		"contact_id": "ct-9",
	})
	if snake.CompanyID != "co-1" || snake.ContactID != "ct-9" {
		t.Errorf("snake_case extraction = %+v", snake)
	}

	camel := ExtractEntityIDs(map[string]any{
		"companyId": "co-2",
		"contactId": "ct-3",
	})
	if camel.CompanyID != "co-2" || camel.ContactID != "ct-3" {
		t.Errorf("camelCase extraction = %+v", camel)
	}

	// snake_case wins when both spellings exist
	both := ExtractEntityIDs(map[string]any{
		"company_id": "co-snake",
		"companyId":  "co-camel",
	})
	if both.CompanyID != "co-snake" {
		t.Errorf("CompanyID = %q, want co-snake", both.CompanyID)
	}

	empty := ExtractEntityIDs(map[string]any{"company_id": 42, "contact_id": nil})
	if empty.CompanyID != "" || empty.ContactID != "" {
		t.Errorf("non-string values should extract empty, got %+v", empty)
	}
}

func TestExtractEntityIDsIdempotent(t *testing.T) {
	meta := map[string]any{"company_id": "co-1", "contactId": "ct-2"}
	first := ExtractEntityIDs(meta)
	again := ExtractEntityIDs(map[string]any{
		"company_id": first.CompanyID,
		"contact_id": first.ContactID,
	})
	if first != again {
		t.Errorf("re-extraction changed IDs: %+v != %+v", first, again)
	}
}

func TestResolveAllowed(t *testing.T) {
	if got := ResolveAllowed(Options{AllScopes: true}); got != nil {
		t.Errorf("AllScopes should resolve to nil, got %v", got)
	}

	got := ResolveAllowed(Options{AllowedScopes: []string{"Company", " company ", "Shared"}})
	want := []string{"company", "shared"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ResolveAllowed dedup = %v, want %v", got, want)
	}

	got = ResolveAllowed(Options{Scope: "Team"})
	if !reflect.DeepEqual(got, []string{"team"}) {
		t.Errorf("single scope = %v, want [team]", got)
	}

	// No inputs at all still yields a filter, never full access
	got = ResolveAllowed(Options{})
	if !reflect.DeepEqual(got, []string{DefaultScope}) {
		t.Errorf("empty options = %v, want [%s]", got, DefaultScope)
	}
}

func TestFilterSQLFullAccess(t *testing.T) {
	pred, args, next := FilterSQL("c.scope", 1, nil)
	if pred != "TRUE" || args != nil || next != 1 {
		t.Errorf("nil allowed = (%q, %v, %d), want (TRUE, nil, 1)", pred, args, next)
	}
}

func TestFilterSQLEmptyAllowedMatchesNothing(t *testing.T) {
	// nil means full access; empty means the caller allowed no scopes at
	// all, which must be a valid no-match predicate rather than "IN ()"
	pred, args, next := FilterSQL("c.scope", 3, []string{})
	if pred != "FALSE" || args != nil || next != 3 {
		t.Errorf("empty allowed = (%q, %v, %d), want (FALSE, nil, 3)", pred, args, next)
	}
}

func TestFilterSQLPersonalIncludesUnscoped(t *testing.T) {
	pred, args, next := FilterSQL("c.scope", 2, []string{"personal", "company"})
	if next != 4 {
		t.Errorf("next index = %d, want 4", next)
	}
	if len(args) != 2 || args[0] != "personal" || args[1] != "company" {
		t.Errorf("args = %v", args)
	}
	if !strings.Contains(pred, "$2") || !strings.Contains(pred, "$3") {
		t.Errorf("placeholders missing from %q", pred)
	}
	// Unscoped legacy rows match only when personal is allowed
	if !strings.Contains(pred, "c.scope IS NULL") || !strings.Contains(pred, "TRIM(c.scope) = ''") {
		t.Errorf("null/empty clause missing from %q", pred)
	}
}

func TestFilterSQLNonPersonalExcludesUnscoped(t *testing.T) {
	pred, args, _ := FilterSQL("scope", 1, []string{"company"})
	if strings.Contains(pred, "IS NULL") {
		t.Errorf("non-personal filter must not match unscoped rows: %q", pred)
	}
	if len(args) != 1 || args[0] != "company" {
		t.Errorf("args = %v", args)
	}
}
