// Package models defines the records that flow through a board crawl.
package models

import (
	"regexp"
	"strings"
)

// HintKind identifies how a list entry points at its detail page.
type HintKind int

const (
	// HintDataAttribute is a server-rendered deep link carried in a data-* attribute.
	HintDataAttribute HintKind = iota
	// HintAbsoluteURL is an href that already carries scheme and host.
	HintAbsoluteURL
	// HintRelativeURL is an href relative to the site root or the list page.
	HintRelativeURL
	// HintScriptCall is an inline javascript call such as fn_view('12','34').
	HintScriptCall
)

func (k HintKind) String() string {
	switch k {
	case HintDataAttribute:
		return "data_attribute"
	case HintAbsoluteURL:
		return "absolute_url"
	case HintRelativeURL:
		return "relative_url"
	case HintScriptCall:
		return "script_call"
	default:
		return "unknown"
	}
}

// Hint is one piece of resolution evidence taken from a list row.
type Hint struct {
	Kind  HintKind
	Value string
	Call  *ScriptCall
}

// ListEntry is one row of a listing page. Entries are produced per page fetch
// and never mutated afterwards.
type ListEntry struct {
	Title    string
	ListDate string
	Page     int
	Row      int
	PageURL  string
	Hints    []Hint
}

// Hint returns the first hint of the given kind.
func (e ListEntry) Hint(kind HintKind) (Hint, bool) {
	for _, h := range e.Hints {
		if h.Kind == kind {
			return h, true
		}
	}
	return Hint{}, false
}

// ScriptCall is a parsed inline javascript invocation with literal arguments.
type ScriptCall struct {
	Name string
	Args []string
}

// Script renders the call back into javascript that can be evaluated in a page.
func (c ScriptCall) Script() string {
	quoted := make([]string, len(c.Args))
	for i, a := range c.Args {
		a = strings.ReplaceAll(a, `\`, `\\`)
		a = strings.ReplaceAll(a, `'`, `\'`)
		quoted[i] = "'" + a + "'"
	}
	return c.Name + "(" + strings.Join(quoted, ",") + ")"
}

var callHead = regexp.MustCompile(`([A-Za-z_$][\w$.]*)\s*\(`)

// ParseScriptCall extracts the first function call from an onclick handler or
// a javascript: href. Arguments are returned without their quotes; brackets
// inside string literals do not end the call.
func ParseScriptCall(src string) (ScriptCall, bool) {
	src = strings.TrimSpace(src)
	for _, m := range callHead.FindAllStringSubmatchIndex(src, -1) {
		if args, ok := callArgs(src[m[1]:]); ok {
			return ScriptCall{Name: src[m[2]:m[3]], Args: splitArgs(args)}, true
		}
	}
	return ScriptCall{}, false
}

// callArgs returns s up to the unquoted parenthesis closing the call.
func callArgs(s string) (string, bool) {
	var (
		quote rune
		esc   bool
		depth int
	)
	for i, r := range s {
		switch {
		case esc:
			esc = false
		case r == '\\' && quote != 0:
			esc = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth == 0 {
				return s[:i], true
			}
			depth--
		}
	}
	return "", false
}

// splitArgs splits a javascript argument list on commas outside string literals.
func splitArgs(s string) []string {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		esc   bool
		depth int
	)
	flush := func() {
		a := strings.TrimSpace(cur.String())
		cur.Reset()
		args = append(args, unquote(a))
	}

	for _, r := range s {
		switch {
		case esc:
			cur.WriteRune(r)
			esc = false
		case r == '\\' && quote != 0:
			cur.WriteRune(r)
			esc = true
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			cur.WriteRune(r)
			quote = r
		case r == '(':
			cur.WriteRune(r)
			depth++
		case r == ')':
			cur.WriteRune(r)
			depth--
		case r == ',' && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if strings.TrimSpace(cur.String()) != "" || len(args) > 0 {
		flush()
	}
	return args
}

func unquote(a string) string {
	if len(a) >= 2 {
		first, last := a[0], a[len(a)-1]
		if (first == '\'' || first == '"') && first == last {
			a = a[1 : len(a)-1]
			a = strings.ReplaceAll(a, `\`+string(first), string(first))
			a = strings.ReplaceAll(a, `\\`, `\`)
		}
	}
	return a
}
