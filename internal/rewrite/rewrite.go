// Package rewrite turns URL references found in textual content into
// proxy-relative form, so that every link, asset, and form target on a
// proxied page routes back through the proxy.
package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// Kind selects the rewrite mode for a response body. It is chosen once
// per response from the declared Content-Type.
type Kind int

const (
	KindPassthrough Kind = iota
	KindHTML
	KindCSS
	KindJS
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	case KindJS:
		return "js"
	default:
		return "passthrough"
	}
}

// KindFor maps a declared Content-Type to a rewrite mode. Binary and
// unknown types map to KindPassthrough and are never touched.
func KindFor(contentType string) Kind {
	mt := contentType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "text/css":
		return KindCSS
	case "application/javascript", "text/javascript", "application/x-javascript":
		return KindJS
	default:
		return KindPassthrough
	}
}

// Context carries the URL a body was fetched from and the proxy's own
// entry path. Immutable for the lifetime of one response rewrite.
type Context struct {
	Base     *url.URL // fully qualified URL the body was fetched from
	BasePath string   // proxy entry path, e.g. "/proxy"
}

// skippedSchemes never make sense to route through the proxy.
var skippedSchemes = []string{"data:", "mailto:", "javascript:", "tel:", "blob:", "about:"}

// RewriteToken resolves a single URL reference against the base and
// returns its proxied form, basePath?url=<absolute>. References that
// cannot or should not be proxied (empty, fragment-only, data: URIs,
// non-http schemes, URLs already pointing at the proxy) come back
// unchanged.
func (c *Context) RewriteToken(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return raw
	}
	lower := strings.ToLower(trimmed)
	for _, s := range skippedSchemes {
		if strings.HasPrefix(lower, s) {
			return raw
		}
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return raw
	}
	if ref.Scheme != "" && ref.Scheme != "http" && ref.Scheme != "https" {
		return raw
	}
	resolved := c.Base.ResolveReference(ref)
	if resolved.Host == "" {
		return raw
	}
	// Already points back at the proxy; wrapping again would double-proxy.
	if resolved.Path == c.BasePath {
		return raw
	}
	return c.BasePath + "?url=" + url.QueryEscape(resolved.String())
}

// Rewrite applies the mode selected by kind to body. Only matched URL
// substrings change; the rest of the document is copied byte for byte.
func Rewrite(body []byte, kind Kind, ctx *Context) []byte {
	switch kind {
	case KindHTML:
		return []byte(rewriteHTML(string(body), ctx))
	case KindCSS:
		return []byte(rewriteCSS(string(body), ctx))
	case KindJS:
		return []byte(rewriteJS(string(body), ctx))
	default:
		return body
	}
}

var (
	// href/src/action attribute with a double-quoted, single-quoted, or
	// unquoted value. Token-pattern matching, not a DOM parse.
	attrRe = regexp.MustCompile(`(?i)\b(href|src|action)\s*=\s*("[^"]*"|'[^']*'|[^\s"'=<>` + "`" + `]+)`)

	srcsetRe    = regexp.MustCompile(`(?i)\bsrcset\s*=\s*("[^"]*"|'[^']*')`)
	styleAttrRe = regexp.MustCompile(`(?i)\bstyle\s*=\s*("[^"]*"|'[^']*')`)

	styleBlockRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	metaRefreshRe = regexp.MustCompile(`(?i)(<meta[^>]*http-equiv\s*=\s*["']?refresh["']?[^>]*content\s*=\s*["'][^"']*?url=)([^"']+)`)

	cssURLRe    = regexp.MustCompile(`(?i)url\s*\(\s*(?:'([^']*)'|"([^"]*)"|([^)\s'"]+))\s*\)`)
	cssImportRe = regexp.MustCompile(`(?i)@import\s+("[^"]*"|'[^']*')`)

	// Heuristic JS patterns: quoted absolute URLs anywhere, and quoted
	// root-relative paths in positions that look like navigation or
	// request targets. RE2 has no backreferences, so quote styles are
	// spelled out as alternatives.
	jsAbsRe  = regexp.MustCompile(`"https?://[^"\\]*"|'https?://[^'\\]*'`)
	jsCallRe = regexp.MustCompile(`(?i)\b(fetch\(\s*|\.open\(\s*["'](?:GET|POST|PUT|DELETE|HEAD|PATCH|OPTIONS)["']\s*,\s*|location(?:\.href)?\s*=\s*)("/[^"\\]*"|'/[^'\\]*')`)
)

func rewriteHTML(s string, ctx *Context) string {
	s = styleBlockRe.ReplaceAllStringFunc(s, func(m string) string {
		open := strings.IndexByte(m, '>')
		end := strings.LastIndexByte(m, '<')
		if open < 0 || end <= open {
			return m
		}
		return m[:open+1] + rewriteCSS(m[open+1:end], ctx) + m[end:]
	})
	s = styleAttrRe.ReplaceAllStringFunc(s, func(m string) string {
		quoted := styleAttrRe.FindStringSubmatch(m)[1]
		q := quoted[:1]
		return m[:len(m)-len(quoted)] + q + rewriteCSS(quoted[1:len(quoted)-1], ctx) + q
	})
	s = srcsetRe.ReplaceAllStringFunc(s, func(m string) string {
		quoted := srcsetRe.FindStringSubmatch(m)[1]
		q := quoted[:1]
		return m[:len(m)-len(quoted)] + q + rewriteSrcset(quoted[1:len(quoted)-1], ctx) + q
	})
	s = attrRe.ReplaceAllStringFunc(s, func(m string) string {
		val := attrRe.FindStringSubmatch(m)[2]
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') {
			q := val[:1]
			return m[:len(m)-len(val)] + q + ctx.RewriteToken(val[1:len(val)-1]) + q
		}
		return m[:len(m)-len(val)] + ctx.RewriteToken(val)
	})
	s = metaRefreshRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := metaRefreshRe.FindStringSubmatch(m)
		return parts[1] + ctx.RewriteToken(parts[2])
	})
	return s
}

// rewriteSrcset handles the comma-separated candidate list of a srcset
// attribute: each candidate is a URL optionally followed by a width or
// density descriptor.
func rewriteSrcset(val string, ctx *Context) string {
	parts := strings.Split(val, ",")
	for i, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		fields[0] = ctx.RewriteToken(fields[0])
		parts[i] = strings.Join(fields, " ")
	}
	return strings.Join(parts, ", ")
}

func rewriteCSS(s string, ctx *Context) string {
	s = cssURLRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := cssURLRe.FindStringSubmatch(m)
		switch {
		case parts[1] != "":
			return "url('" + ctx.RewriteToken(parts[1]) + "')"
		case parts[2] != "":
			return `url("` + ctx.RewriteToken(parts[2]) + `")`
		case parts[3] != "":
			return "url(" + ctx.RewriteToken(parts[3]) + ")"
		default:
			return m
		}
	})
	s = cssImportRe.ReplaceAllStringFunc(s, func(m string) string {
		quoted := cssImportRe.FindStringSubmatch(m)[1]
		q := quoted[:1]
		return m[:len(m)-len(quoted)] + q + ctx.RewriteToken(quoted[1:len(quoted)-1]) + q
	})
	return s
}

// rewriteJS is best-effort by design: it catches quoted literals that
// look like fetch or navigation targets and leaves dynamically built
// URLs alone. Missed URLs fall back to direct requests, which simply
// bypass the proxy.
func rewriteJS(s string, ctx *Context) string {
	s = jsCallRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := jsCallRe.FindStringSubmatch(m)
		prefix, lit := parts[1], parts[2]
		q := lit[:1]
		return prefix + q + ctx.RewriteToken(lit[1:len(lit)-1]) + q
	})
	s = jsAbsRe.ReplaceAllStringFunc(s, func(m string) string {
		q := m[:1]
		return q + ctx.RewriteToken(m[1:len(m)-1]) + q
	})
	return s
}

var bodyOpenRe = regexp.MustCompile(`(?i)<body[^>]*>`)

// InjectBanner inserts markup right after the opening <body> tag.
// Bodies without a <body> tag are returned unchanged.
func InjectBanner(body []byte, banner string) []byte {
	loc := bodyOpenRe.FindIndex(body)
	if loc == nil {
		return body
	}
	out := make([]byte, 0, len(body)+len(banner))
	out = append(out, body[:loc[1]]...)
	out = append(out, banner...)
	out = append(out, body[loc[1]:]...)
	return out
}
