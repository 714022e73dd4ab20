// Package selector implements the Selector Factory: given a target
// element's full XPath and the page's HTML at that moment, it derives an
// ordered list of relative XPath candidates expected to survive small DOM
// perturbations, for use as replay fallbacks.
package selector

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Candidates derives ordered relative XPath alternatives for the element
// addressed by fullXPath within pageHTML. On any internal error it returns
// an empty slice — callers must tolerate empty alternatives (§4.1 failure
// mode), never propagate a selector-derivation error as fatal.
func Candidates(fullXPath, pageHTML string) []string {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}
	target := resolveXPath(doc, fullXPath)
	if target == nil {
		return nil
	}

	root := documentRoot(doc)
	var out []string

	tag := target.Data
	if id := attr(target, "id"); id != "" {
		cand := fmt.Sprintf("//%s[@id='%s']", tag, escapeQuotes(id))
		if isUnique(root, cand) {
			out = append(out, cand)
		}
	}
	if name := attr(target, "name"); name != "" {
		cand := fmt.Sprintf("//%s[@name='%s']", tag, escapeQuotes(name))
		if isUnique(root, cand) {
			out = append(out, cand)
		}
	}
	if placeholder := attr(target, "placeholder"); placeholder != "" {
		cand := fmt.Sprintf("//%s[@placeholder='%s']", tag, escapeQuotes(placeholder))
		if isUnique(root, cand) {
			out = append(out, cand)
		}
	}
	if classes := strings.Fields(attr(target, "class")); len(classes) > 0 {
		if first := classes[0]; isSelectorSafe(first) {
			cand := fmt.Sprintf("//%s[contains(@class,'%s')]", tag, escapeQuotes(first))
			if isUnique(root, cand) {
				out = append(out, cand)
			}
		}
		full := strings.Join(classes, " ")
		if isSelectorSafe(full) && len(classes) > 1 {
			cand := fmt.Sprintf("//%s[@class='%s']", tag, escapeQuotes(full))
			if isUnique(root, cand) {
				out = append(out, cand)
			}
		}
	}
	if text := normalizeSpace(textContent(target)); text != "" && len(text) <= 60 && !strings.Contains(text, "'") {
		cand := fmt.Sprintf("//%s[normalize-space()='%s']", tag, text)
		if isUnique(root, cand) {
			out = append(out, cand)
		}
	}
	if pos := visibleSameTagPosition(target); pos > 0 {
		// //tag[N] matches every same-tag element that is the Nth of its
		// tag under its own parent, so count those page-wide.
		matches := 0
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if n.Type == html.ElementNode && strings.EqualFold(n.Data, tag) && visibleSameTagPosition(n) == pos {
				matches++
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(root)
		if matches == 1 {
			out = append(out, fmt.Sprintf("//%s[%d]", tag, pos))
		}
	}

	return out
}

// resolveXPath walks an absolute XPath like /html/body/div[2]/span[1]
// against doc and returns the addressed element node, or nil if it cannot
// be resolved.
func resolveXPath(doc *html.Node, xpath string) *html.Node {
	steps := strings.Split(strings.Trim(xpath, "/"), "/")
	current := doc
	if current == nil {
		return nil
	}
	for _, step := range steps {
		if step == "" {
			continue
		}
		tag, index := parseStep(step)
		current = nthChildElement(current, tag, index)
		if current == nil {
			return nil
		}
	}
	return current
}

func parseStep(step string) (tag string, index int) {
	index = 1
	open := strings.Index(step, "[")
	if open == -1 {
		return step, 1
	}
	tag = step[:open]
	close := strings.Index(step, "]")
	if close == -1 || close < open {
		return tag, 1
	}
	if n, err := strconv.Atoi(step[open+1 : close]); err == nil {
		index = n
	}
	return tag, index
}

func nthChildElement(parent *html.Node, tag string, index int) *html.Node {
	count := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || !strings.EqualFold(c.Data, tag) {
			continue
		}
		count++
		if count == index {
			return c
		}
	}
	return nil
}

func documentRoot(doc *html.Node) *html.Node {
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && strings.EqualFold(c.Data, "html") {
			return c
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

func isSelectorSafe(s string) bool {
	return s != "" && !strings.ContainsAny(s, "'\"\n\t")
}

// visibleSameTagPosition returns n's 1-based position counting only
// same-tag siblings under the same parent — the original implementation's
// tiebreak, folded in per SPEC_FULL's supplemented features. "Visible" in
// the absence of layout information here means present in the static tree;
// callers with real bounding-box/visibility data may refine this.
func visibleSameTagPosition(n *html.Node) int {
	if n.Parent == nil {
		return 0
	}
	pos := 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || !strings.EqualFold(c.Data, n.Data) {
			continue
		}
		pos++
		if c == n {
			return pos
		}
	}
	return 0
}

// isUnique reports whether xpath-like candidate matches exactly one
// element under root. It re-implements just enough of the supported
// candidate grammar (id/name/placeholder/class/text predicates) to count
// matches without a general XPath engine.
func isUnique(root *html.Node, candidate string) bool {
	if root == nil {
		return false
	}
	tag, predicate, ok := splitCandidate(candidate)
	if !ok {
		return false
	}
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, tag) && predicate(n) {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return count == 1
}

func splitCandidate(candidate string) (tag string, predicate func(*html.Node) bool, ok bool) {
	open := strings.Index(candidate, "[")
	close := strings.LastIndex(candidate, "]")
	if open == -1 || close == -1 || close < open {
		return "", nil, false
	}
	tag = strings.TrimPrefix(candidate[:open], "//")
	body := candidate[open+1 : close]

	switch {
	case strings.HasPrefix(body, "@id='"):
		want := unquote(body, "@id='")
		return tag, func(n *html.Node) bool { return attr(n, "id") == want }, true
	case strings.HasPrefix(body, "@name='"):
		want := unquote(body, "@name='")
		return tag, func(n *html.Node) bool { return attr(n, "name") == want }, true
	case strings.HasPrefix(body, "@placeholder='"):
		want := unquote(body, "@placeholder='")
		return tag, func(n *html.Node) bool { return attr(n, "placeholder") == want }, true
	case strings.HasPrefix(body, "contains(@class,'"):
		want := unquote(body, "contains(@class,'")
		return tag, func(n *html.Node) bool { return containsClass(attr(n, "class"), want) }, true
	case strings.HasPrefix(body, "@class='"):
		want := unquote(body, "@class='")
		return tag, func(n *html.Node) bool { return attr(n, "class") == want }, true
	case strings.HasPrefix(body, "normalize-space()='"):
		want := unquote(body, "normalize-space()='")
		return tag, func(n *html.Node) bool { return normalizeSpace(textContent(n)) == want }, true
	default:
		return "", nil, false
	}
}

func unquote(body, prefix string) string {
	rest := strings.TrimPrefix(body, prefix)
	return strings.TrimSuffix(rest, "'")
}

func containsClass(classAttr, want string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == want {
			return true
		}
	}
	return false
}
