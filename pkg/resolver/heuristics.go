package resolver

import (
	"context"
	"strings"

	"github.com/testpilot-ai/testpilot/pkg/driver"
	"github.com/testpilot-ai/testpilot/pkg/locator"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

// Leading words stripped from a step description before it is treated as an
// element name. "Click the Submit button" -> "Submit button" -> "Submit".
var descriptionNoise = map[string]bool{
	"click": true, "press": true, "tap": true, "select": true, "choose": true,
	"type": true, "enter": true, "fill": true, "hover": true, "over": true,
	"wait": true, "for": true, "the": true, "a": true, "an": true, "on": true,
	"in": true, "into": true, "to": true,
}

// Trailing words that name the element class rather than the element.
var trailingNoise = map[string]bool{
	"button": true, "link": true, "field": true, "input": true, "box": true,
	"checkbox": true, "dropdown": true, "menu": true, "option": true,
	"element": true, "icon": true,
}

// fromHeuristics probes deterministic candidates against a live DOM snapshot.
// All hits carry a fixed mid confidence; the ranking between candidates is
// the probe order, not a score.
func (r *Resolver) fromHeuristics(ctx context.Context, step *models.Step, d driver.Driver) (*models.SelectorCorrection, bool) {
	if d == nil {
		return nil, false
	}
	elements, err := d.SnapshotInteractiveElements(ctx, driver.DefaultSnapshotMax)
	if err != nil || len(elements) == 0 {
		return nil, false
	}

	phrase := namePhrase(step.Description)
	if phrase == "" {
		return nil, false
	}

	for _, candidate := range r.candidates(step, elements, phrase) {
		if candidate == step.Target {
			continue
		}
		r.log.Info("Deterministic selector fallback matched",
			"original", step.Target, "corrected", candidate)
		return &models.SelectorCorrection{
			OriginalTarget:  step.Target,
			CorrectedTarget: candidate,
			Source:          models.SourceDeterministic,
			Confidence:      deterministicConfidence,
			Attempts:        2,
		}, true
	}
	return nil, false
}

// candidates yields corrected targets in probe order: visible text, aria
// label, placeholder (typing steps only), then role+name.
func (r *Resolver) candidates(step *models.Step, elements []driver.DomElement, phrase string) []string {
	var out []string
	lower := strings.ToLower(phrase)

	for _, el := range elements {
		if equalsFold(el.Text, lower) {
			out = append(out, locator.Text(el.Text))
			break
		}
	}
	for _, el := range elements {
		if equalsFold(el.AriaLabel, lower) {
			out = append(out, locator.AriaLabel(el.AriaLabel))
			break
		}
	}
	if step.Kind == models.StepType {
		for _, el := range elements {
			if equalsFold(el.Placeholder, lower) || containsFold(el.Placeholder, lower) {
				out = append(out, locator.Placeholder(el.Placeholder))
				break
			}
		}
	}
	for _, role := range rolesForKind(step.Kind) {
		for _, el := range elements {
			if el.Role != role {
				continue
			}
			if equalsFold(el.Text, lower) || equalsFold(el.AriaLabel, lower) {
				name := el.Text
				if name == "" {
					name = el.AriaLabel
				}
				out = append(out, locator.Role(role, name))
				break
			}
		}
	}
	return out
}

// namePhrase reduces a step description to the phrase most likely to be the
// element's accessible name.
func namePhrase(description string) string {
	if description == "" {
		return ""
	}
	// A quoted fragment wins outright.
	if q := quoted(description); q != "" {
		return q
	}
	words := strings.Fields(description)
	for len(words) > 0 && descriptionNoise[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && trailingNoise[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func quoted(s string) string {
	for _, quote := range []string{`"`, `'`} {
		start := strings.Index(s, quote)
		if start < 0 {
			continue
		}
		rest := s[start+1:]
		end := strings.Index(rest, quote)
		if end > 0 {
			return rest[:end]
		}
	}
	return ""
}

func rolesForKind(kind models.StepKind) []string {
	switch kind {
	case models.StepClick:
		return []string{"button", "link"}
	case models.StepType:
		return []string{"textbox", "searchbox"}
	case models.StepSelect:
		return []string{"combobox", "listbox"}
	case models.StepHover:
		return []string{"button", "link", "menuitem"}
	default:
		return []string{"button", "link", "textbox"}
	}
}

func equalsFold(s, lower string) bool {
	return s != "" && strings.ToLower(strings.TrimSpace(s)) == lower
}

func containsFold(s, lower string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), lower)
}
