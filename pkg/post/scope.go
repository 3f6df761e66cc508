package post

import (
	"fmt"
	"strings"
)

type Scope string

const (
	ScopeCity    Scope = "city"
	ScopeState   Scope = "state"
	ScopeCountry Scope = "country"
	ScopeWorld   Scope = "world"
)

// Narrowest first.
var scopeOrder = []Scope{ScopeCity, ScopeState, ScopeCountry, ScopeWorld}

func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !sc.Valid() {
		return "", fmt.Errorf("post: unknown scope %q", s)
	}
	return sc, nil
}

func (s Scope) Valid() bool {
	return s.level() >= 0
}

func (s Scope) level() int {
	for i, sc := range scopeOrder {
		if sc == s {
			return i
		}
	}
	return -1
}

// Within lists the scopes whose posts are comparable to a search at s:
// s itself and every narrower scope.
func (s Scope) Within() []Scope {
	lvl := s.level()
	if lvl < 0 {
		return nil
	}
	return append([]Scope(nil), scopeOrder[:lvl+1]...)
}

// Ancestors lists every comparable set a post at scope s and location loc
// belongs to, starting with its own. A new post changes the counts, feeds
// and match lists of all of them.
func (s Scope) Ancestors(loc Location) []Ref {
	lvl := s.level()
	if lvl < 0 {
		return nil
	}
	refs := make([]Ref, 0, len(scopeOrder)-lvl)
	for _, sc := range scopeOrder[lvl:] {
		refs = append(refs, NewRef(sc, loc))
	}
	return refs
}

type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

func (l Location) Normalize() Location {
	return Location{
		City:    strings.Join(strings.Fields(l.City), " "),
		State:   strings.Join(strings.Fields(l.State), " "),
		Country: strings.Join(strings.Fields(l.Country), " "),
	}
}

// MissingField reports the first location field the scope requires but loc
// lacks, or "" when loc is complete for the scope. A city is only meaningful
// with its state and country, and a state with its country.
func MissingField(s Scope, loc Location) string {
	loc = loc.Normalize()
	lvl := s.level()
	switch {
	case lvl <= 0 && loc.City == "":
		return "city"
	case lvl <= 1 && loc.State == "":
		return "state"
	case lvl <= 2 && loc.Country == "":
		return "country"
	}
	return ""
}

// Ref identifies one comparable set: a scope and the location fields that
// matter at that scope. Fields broader scopes ignore are dropped, so refs
// compare and hash equal whenever they select the same posts.
type Ref struct {
	Scope    Scope
	Location Location
}

func NewRef(s Scope, loc Location) Ref {
	loc = loc.Normalize()
	r := Ref{Scope: s}
	lvl := s.level()
	if lvl <= 0 {
		r.Location.City = loc.City
	}
	if lvl <= 1 {
		r.Location.State = loc.State
	}
	if lvl <= 2 {
		r.Location.Country = loc.Country
	}
	return r
}

// KeyParts is the case-insensitive identity of the ref, for cache keys.
func (r Ref) KeyParts() []string {
	return []string{
		string(r.Scope),
		strings.ToLower(r.Location.City),
		strings.ToLower(r.Location.State),
		strings.ToLower(r.Location.Country),
	}
}

func (r Ref) String() string {
	return fmt.Sprintf("%s[%s/%s/%s]", r.Scope, r.Location.City, r.Location.State, r.Location.Country)
}

// Contains reports whether a post at scope and loc is comparable to a search
// at r. It is the in-process twin of the repository's containment query.
func (r Ref) Contains(scope Scope, loc Location) bool {
	lvl, own := r.Scope.level(), scope.level()
	if lvl < 0 || own < 0 || own > lvl {
		return false
	}
	loc = loc.Normalize()
	if lvl <= 0 && !strings.EqualFold(loc.City, r.Location.City) {
		return false
	}
	if lvl <= 1 && !strings.EqualFold(loc.State, r.Location.State) {
		return false
	}
	if lvl <= 2 && !strings.EqualFold(loc.Country, r.Location.Country) {
		return false
	}
	return true
}
