// Package locator implements the neutral locator grammar used across plans,
// corrections and the knowledge store. Stored corrections are keyed on the
// verbatim string form, so parsing and printing must round-trip exactly.
//
// Grammar:
//
//	text=<literal>              first element whose visible text equals <literal>
//	text=/<regex>/<flags>       regex over visible text
//	role=<role>[name=<literal>] ARIA role with optional accessible name
//	[<attr>=<literal>]          attribute equals
//	css:<selector>              CSS selector
//	xpath:<expr>                XPath expression
//	<locator>::<attr>           attribute reference (assertions only)
package locator

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the locator variants.
type Kind string

// Locator kind constants.
const (
	KindText      Kind = "text"
	KindTextRegex Kind = "text_regex"
	KindRole      Kind = "role"
	KindAttr      Kind = "attr"
	KindCSS       Kind = "css"
	KindXPath     Kind = "xpath"
)

// Locator is a parsed locator in the neutral grammar.
type Locator struct {
	Kind Kind

	// Text literal (KindText) or regex source (KindTextRegex).
	Text       string
	RegexFlags string

	// Role and optional accessible name (KindRole).
	Role string
	Name string

	// Attribute name and value (KindAttr).
	Attr  string
	Value string

	// Raw selector expression (KindCSS, KindXPath).
	Expr string
}

var roleRe = regexp.MustCompile(`^role=([A-Za-z][\w-]*)(?:\[name=(.*)\])?$`)
var attrRe = regexp.MustCompile(`^\[([A-Za-z_][\w:-]*)=(.*)\]$`)

// Parse parses a locator string. The input must not contain an attribute
// reference suffix; use SplitAttrRef first for assertion targets.
func Parse(s string) (*Locator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty locator")
	}
	switch {
	case strings.HasPrefix(s, "css:"):
		expr := s[len("css:"):]
		if expr == "" {
			return nil, fmt.Errorf("css locator has empty selector")
		}
		return &Locator{Kind: KindCSS, Expr: expr}, nil

	case strings.HasPrefix(s, "xpath:"):
		expr := s[len("xpath:"):]
		if expr == "" {
			return nil, fmt.Errorf("xpath locator has empty expression")
		}
		return &Locator{Kind: KindXPath, Expr: expr}, nil

	case strings.HasPrefix(s, "text="):
		rest := s[len("text="):]
		if len(rest) >= 2 && strings.HasPrefix(rest, "/") {
			// text=/<regex>/<flags>
			end := strings.LastIndex(rest, "/")
			if end == 0 {
				return nil, fmt.Errorf("unterminated text regex %q", s)
			}
			src, flags := rest[1:end], rest[end+1:]
			if _, err := regexp.Compile(applyFlags(src, flags)); err != nil {
				return nil, fmt.Errorf("invalid text regex %q: %w", src, err)
			}
			return &Locator{Kind: KindTextRegex, Text: src, RegexFlags: flags}, nil
		}
		if rest == "" {
			return nil, fmt.Errorf("text locator has empty literal")
		}
		return &Locator{Kind: KindText, Text: rest}, nil

	case strings.HasPrefix(s, "role="):
		m := roleRe.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("invalid role locator %q", s)
		}
		return &Locator{Kind: KindRole, Role: m[1], Name: m[2]}, nil

	case strings.HasPrefix(s, "["):
		m := attrRe.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("invalid attribute locator %q", s)
		}
		val := strings.Trim(m[2], `"'`)
		return &Locator{Kind: KindAttr, Attr: m[1], Value: val}, nil
	}
	return nil, fmt.Errorf("unrecognised locator %q", s)
}

// applyFlags prepends inline regex flags in Go syntax.
func applyFlags(src, flags string) string {
	var inline string
	for _, f := range flags {
		switch f {
		case 'i', 's', 'm':
			inline += string(f)
		}
	}
	if inline == "" {
		return src
	}
	return "(?" + inline + ")" + src
}

// CompileTextRegex compiles the regex of a KindTextRegex locator with its flags.
func (l *Locator) CompileTextRegex() (*regexp.Regexp, error) {
	if l.Kind != KindTextRegex {
		return nil, fmt.Errorf("locator is %s, not a text regex", l.Kind)
	}
	return regexp.Compile(applyFlags(l.Text, l.RegexFlags))
}

// String renders the locator back into the neutral grammar verbatim.
func (l *Locator) String() string {
	switch l.Kind {
	case KindText:
		return "text=" + l.Text
	case KindTextRegex:
		return "text=/" + l.Text + "/" + l.RegexFlags
	case KindRole:
		if l.Name != "" {
			return fmt.Sprintf("role=%s[name=%s]", l.Role, l.Name)
		}
		return "role=" + l.Role
	case KindAttr:
		return fmt.Sprintf("[%s=%s]", l.Attr, l.Value)
	case KindCSS:
		return "css:" + l.Expr
	case KindXPath:
		return "xpath:" + l.Expr
	}
	return ""
}

// MatchesText reports whether visible text satisfies a text locator
// (case-insensitive trim for literals, regex match otherwise).
func (l *Locator) MatchesText(text string) bool {
	switch l.Kind {
	case KindText:
		return strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(l.Text))
	case KindTextRegex:
		re, err := l.CompileTextRegex()
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}
	return false
}

// SplitAttrRef splits an assertion target of the form "<locator>::<attr>" into
// its locator and attribute parts. ok is false when no attribute reference is
// present.
func SplitAttrRef(target string) (loc, attr string, ok bool) {
	idx := strings.LastIndex(target, "::")
	if idx <= 0 || idx+2 >= len(target) {
		return target, "", false
	}
	return target[:idx], target[idx+2:], true
}

// Text builds a text-literal locator string.
func Text(literal string) string { return "text=" + literal }

// AriaLabel builds an aria-label attribute locator string.
func AriaLabel(label string) string { return fmt.Sprintf("[aria-label=%s]", label) }

// Placeholder builds a placeholder attribute locator string.
func Placeholder(ph string) string { return fmt.Sprintf("[placeholder=%s]", ph) }

// Role builds a role locator string with an optional accessible name.
func Role(role, name string) string {
	if name == "" {
		return "role=" + role
	}
	return fmt.Sprintf("role=%s[name=%s]", role, name)
}
