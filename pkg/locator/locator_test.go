package locator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Locator
	}{
		{
			name:  "text literal",
			input: "text=Sign in",
			want:  Locator{Kind: KindText, Text: "Sign in"},
		},
		{
			name:  "text regex with flags",
			input: "text=/^Add to .*$/i",
			want:  Locator{Kind: KindTextRegex, Text: "^Add to .*$", RegexFlags: "i"},
		},
		{
			name:  "role with name",
			input: "role=button[name=Submit order]",
			want:  Locator{Kind: KindRole, Role: "button", Name: "Submit order"},
		},
		{
			name:  "role without name",
			input: "role=navigation",
			want:  Locator{Kind: KindRole, Role: "navigation"},
		},
		{
			name:  "attribute",
			input: "[aria-label=Close dialog]",
			want:  Locator{Kind: KindAttr, Attr: "aria-label", Value: "Close dialog"},
		},
		{
			name:  "data-testid",
			input: "[data-testid=cart-count]",
			want:  Locator{Kind: KindAttr, Attr: "data-testid", Value: "cart-count"},
		},
		{
			name:  "css",
			input: "css:.btn-primary > span",
			want:  Locator{Kind: KindCSS, Expr: ".btn-primary > span"},
		},
		{
			name:  "xpath",
			input: "xpath://button[contains(., 'Buy')]",
			want:  Locator{Kind: KindXPath, Expr: "//button[contains(., 'Buy')]"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
			// Stored corrections are keyed on the verbatim string form.
			assert.Equal(t, tc.input, got.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace", input: "   "},
		{name: "bare css", input: "#login-button"},
		{name: "empty css", input: "css:"},
		{name: "empty xpath", input: "xpath:"},
		{name: "empty text", input: "text="},
		{name: "unterminated regex", input: "text=/abc"},
		{name: "bad regex", input: "text=/[/"},
		{name: "malformed attr", input: "[aria-label]"},
		{name: "unknown form", input: "contains(More)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			assert.Error(t, err)
		})
	}
}

func TestAttrValueQuoteTrim(t *testing.T) {
	got, err := Parse(`[placeholder="Search products"]`)
	require.NoError(t, err)
	assert.Equal(t, "Search products", got.Value)
}

func TestMatchesText(t *testing.T) {
	tests := []struct {
		name    string
		locator string
		text    string
		want    bool
	}{
		{name: "literal exact", locator: "text=Sign in", text: "Sign in", want: true},
		{name: "literal case and space folded", locator: "text=Sign in", text: "  SIGN IN ", want: true},
		{name: "literal mismatch", locator: "text=Sign in", text: "Sign out", want: false},
		{name: "regex", locator: "text=/^Add to .*$/", text: "Add to cart", want: true},
		{name: "regex case flag", locator: "text=/add to cart/i", text: "Add To Cart", want: true},
		{name: "regex mismatch", locator: "text=/^Buy$/", text: "Buy now", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			loc, err := Parse(tc.locator)
			require.NoError(t, err)
			assert.Equal(t, tc.want, loc.MatchesText(tc.text))
		})
	}
}

func TestSplitAttrRef(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLoc  string
		wantAttr string
		wantOK   bool
	}{
		{name: "attr ref", input: "css:#avatar::src", wantLoc: "css:#avatar", wantAttr: "src", wantOK: true},
		{name: "last separator wins", input: "xpath://a::b::href", wantLoc: "xpath://a::b", wantAttr: "href", wantOK: true},
		{name: "no ref", input: "text=Sign in", wantLoc: "text=Sign in", wantOK: false},
		{name: "trailing separator", input: "css:#x::", wantLoc: "css:#x::", wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			loc, attr, ok := SplitAttrRef(tc.input)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantLoc, loc)
			assert.Equal(t, tc.wantAttr, attr)
		})
	}
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, "text=Sign in", Text("Sign in"))
	assert.Equal(t, "[aria-label=Close]", AriaLabel("Close"))
	assert.Equal(t, "[placeholder=Email]", Placeholder("Email"))
	assert.Equal(t, "role=button[name=Submit]", Role("button", "Submit"))
	assert.Equal(t, "role=button", Role("button", ""))
}
