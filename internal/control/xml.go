package control

import "strings"

// The devices speak a narrow, stable dialect of XML: shallow envelopes whose
// interesting values sit in single-level tags, sometimes double-encoded
// (an XML document escaped inside an outer envelope). A full parser buys
// nothing here; tag-scoped string search keeps the failure modes obvious.

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// EscapeXML escapes all five XML metacharacters. Quotes and apostrophes are
// included deliberately: parameter values end up inside attribute positions
// on some devices.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// UnescapeXML reverses EscapeXML. Topology and event payloads arrive
// double-encoded and need one pass of this before parsing.
func UnescapeXML(s string) string {
	return xmlUnescaper.Replace(s)
}

// ExtractTag returns the text between the first <tag ...> and the next
// </tag> in doc. The search is single-level and non-recursive: with nested
// or duplicate tags of the same name the first match wins. Returns "" and
// false when the tag is absent.
func ExtractTag(doc, tag string) (string, bool) {
	open := "<" + tag
	start := strings.Index(doc, open)
	if start < 0 {
		return "", false
	}
	// Skip past the open tag, tolerating attributes.
	rest := doc[start+len(open):]
	gt := strings.Index(rest, ">")
	if gt < 0 {
		return "", false
	}
	if strings.HasSuffix(rest[:gt], "/") {
		// Self-closing tag carries no text value.
		return "", true
	}
	body := rest[gt+1:]
	end := strings.Index(body, "</"+tag+">")
	if end < 0 {
		return "", false
	}
	return body[:end], true
}
