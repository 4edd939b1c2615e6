package chrome

import (
	"encoding/json"
	"fmt"
)

// JS matchers for locator variants with no direct selector form. Each clears
// any previous mark, tags the first visible match with the mark attribute and
// returns whether a match was found.

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// markTextJS matches visible text: literal (case-insensitive trim) when
// flags=="" and source looks literal, regex otherwise.
func markTextJS(source, flags string) string {
	isRegex := "false"
	if flags != "" {
		isRegex = "true"
	}
	return fmt.Sprintf(`(() => {
	const MARK = %s;
	document.querySelectorAll('['+MARK+']').forEach(el => el.removeAttribute(MARK));
	const source = %s, flags = %s, isRegex = %s;
	const re = isRegex ? new RegExp(source, flags) : null;
	const visible = el => {
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0 && getComputedStyle(el).visibility !== 'hidden';
	};
	const matches = text => {
		if (re) return re.test(text);
		return text.trim().toLowerCase() === source.trim().toLowerCase();
	};
	const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_ELEMENT);
	let node;
	while ((node = walker.nextNode())) {
		if (!visible(node)) continue;
		if (node.children.length === 0 && matches(node.textContent || '')) {
			node.setAttribute(MARK, '');
			return true;
		}
	}
	return false;
})()`, jsString(markAttr), jsString(source), jsString(flags), isRegex)
}

// markRoleJS matches an ARIA role with an accessible name (aria-label, else
// visible text).
func markRoleJS(role, name string) string {
	return fmt.Sprintf(`(() => {
	const MARK = %s;
	document.querySelectorAll('['+MARK+']').forEach(el => el.removeAttribute(MARK));
	const role = %s, name = %s.trim().toLowerCase();
	const implicit = { a: 'link', button: 'button', input: 'textbox', select: 'combobox', textarea: 'textbox' };
	const visible = el => {
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	for (const el of document.body.querySelectorAll('*')) {
		if (!visible(el)) continue;
		const elRole = el.getAttribute('role') || implicit[el.tagName.toLowerCase()] || '';
		if (elRole.toLowerCase() !== role.toLowerCase()) continue;
		const accName = (el.getAttribute('aria-label') || el.textContent || '').trim().toLowerCase();
		if (accName === name) {
			el.setAttribute(MARK, '');
			return true;
		}
	}
	return false;
})()`, jsString(markAttr), jsString(role), jsString(name))
}

// snapshotJS collects visible interactive elements for the resolver and the
// LLM prompt, capped at max.
func snapshotJS(max int) string {
	return fmt.Sprintf(`(() => {
	const out = [];
	const seen = new Set();
	const visible = el => {
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0 && getComputedStyle(el).visibility !== 'hidden';
	};
	const selector = 'a, button, input, select, textarea, [role], [onclick], [tabindex]';
	for (const el of document.querySelectorAll(selector)) {
		if (out.length >= %d) break;
		if (seen.has(el) || !visible(el)) continue;
		seen.add(el);
		const r = el.getBoundingClientRect();
		out.push({
			role: el.getAttribute('role') || '',
			text: (el.textContent || '').trim().slice(0, 120),
			placeholder: el.getAttribute('placeholder') || '',
			aria_label: el.getAttribute('aria-label') || '',
			tag: el.tagName.toLowerCase(),
			href: el.getAttribute('href') || '',
			id: el.id || '',
			class: el.className && el.className.toString ? el.className.toString() : '',
			box: { x: r.x, y: r.y, width: r.width, height: r.height },
		});
	}
	return out;
})()`, max)
}
