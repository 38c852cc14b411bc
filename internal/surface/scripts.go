package surface

// resolveScript runs one single-pass search over the rendered DOM. Template
// arguments: match mode, query, editable-only flag, index. Produces an
// elementPayload object or null.
const resolveScript = `(() => {
	const mode = %s;
	const query = %s.toLowerCase();
	const editableOnly = %t;
	const index = %d;

	const EDITABLE_TAGS = new Set(['input', 'textarea', 'select']);

	const isVisible = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) return false;
		const style = window.getComputedStyle(el);
		return style.visibility !== 'hidden' && style.display !== 'none';
	};

	const isEditable = (el) =>
		EDITABLE_TAGS.has(el.tagName.toLowerCase()) || el.isContentEditable;

	const description = (el) =>
		el.getAttribute('aria-label') || el.getAttribute('title') ||
		el.getAttribute('alt') || el.getAttribute('placeholder') || '';

	const ownText = (el) => {
		let t = '';
		for (const n of el.childNodes) {
			if (n.nodeType === Node.TEXT_NODE) t += n.textContent;
		}
		t = t.trim();
		if (t) return t;
		if ('value' in el && typeof el.value === 'string') return el.value.trim();
		return (el.innerText || '').trim();
	};

	const cssPath = (el) => {
		const parts = [];
		while (el && el.nodeType === Node.ELEMENT_NODE && el !== document.documentElement) {
			let part = el.tagName.toLowerCase();
			if (el.id) { parts.unshift(part + '#' + CSS.escape(el.id)); break; }
			const siblings = Array.from(el.parentNode.children)
				.filter((s) => s.tagName === el.tagName);
			if (siblings.length > 1) {
				part += ':nth-of-type(' + (siblings.indexOf(el) + 1) + ')';
			}
			parts.unshift(part);
			el = el.parentNode;
		}
		return parts.join(' > ');
	};

	const matchesTier = (el) => {
		switch (mode) {
		case 'text':
			return ownText(el).toLowerCase().includes(query);
		case 'description':
			return description(el).toLowerCase().includes(query);
		case 'class':
			return el.tagName.toLowerCase() === query ||
				Array.from(el.classList).some((c) => c.toLowerCase().includes(query));
		default:
			return false;
		}
	};

	const payload = (el, withContainer) => {
		const r = el.getBoundingClientRect();
		const p = {
			locator: cssPath(el),
			text: ownText(el).slice(0, 200),
			description: description(el),
			class: el.tagName.toLowerCase(),
			editable: isEditable(el),
			bounds: { x: r.x, y: r.y, width: r.width, height: r.height },
			container: null,
		};
		if (withContainer && el.parentElement && el.parentElement !== document.body) {
			p.container = payload(el.parentElement, false);
		}
		return p;
	};

	const matches = [];
	for (const el of document.body.querySelectorAll('*')) {
		if (!isVisible(el)) continue;
		if (editableOnly && !isEditable(el)) continue;
		if (matchesTier(el)) matches.push(el);
	}

	const pick = index >= 0 ? matches[index] : matches[0];
	return pick ? payload(pick, true) : null;
})()`

// captureScript snapshots the observable page state. No template arguments.
const captureScript = `(() => {
	const isVisible = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) return false;
		const style = window.getComputedStyle(el);
		return style.visibility !== 'hidden' && style.display !== 'none';
	};

	const texts = [];
	for (const el of document.body.querySelectorAll('*')) {
		if (!isVisible(el)) continue;
		for (const n of el.childNodes) {
			if (n.nodeType !== Node.TEXT_NODE) continue;
			const t = n.textContent.trim();
			if (t) texts.push(t);
		}
	}

	let focused = '';
	const active = document.activeElement;
	if (active && active !== document.body) {
		focused = active.tagName.toLowerCase();
		if (active.id) focused += '#' + active.id;
		const label = active.getAttribute('aria-label') || active.getAttribute('placeholder');
		if (label) focused += ' (' + label + ')';
	}

	const outline = (el, depth) => {
		if (depth > 3 || !isVisible(el)) return '';
		let line = '  '.repeat(depth) + el.tagName.toLowerCase();
		if (el.id) line += '#' + el.id;
		line += '\n';
		for (const child of el.children) line += outline(child, depth + 1);
		return line;
	};

	return {
		current_app: window.location.host,
		visible_texts: texts,
		focused_element: focused,
		element_tree: outline(document.body, 0).slice(0, 4000),
	};
})()`
