package dssync

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// placeholderMarker is the prefix of a placeholder token. Downstream
// validation detects unresolved references by looking for it.
const placeholderMarker = "${"

// placeholderPattern matches ${NAME} tokens inside configuration strings.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Lookup resolves a placeholder name to a value. The boolean reports whether
// the name is known; unknown names leave the token untouched.
type Lookup func(name string) (string, bool)

// EnvLookup resolves placeholder names against process environment variables.
func EnvLookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// ResolveString replaces every ${NAME} token in s using lookup. Names absent
// from the lookup source are kept verbatim, so re-resolving the result is a
// no-op. This function cannot fail.
func ResolveString(s string, lookup Lookup) string {
	if !strings.Contains(s, placeholderMarker) {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if value, ok := lookup(name); ok {
			return value
		}
		return token
	})
}

// ResolveJSON applies ResolveString to every string value in a JSON document,
// recursively through objects and arrays. Object keys are never resolved and
// non-string scalars pass through unchanged.
func ResolveJSON(doc string, lookup Lookup) string {
	resolved := doc
	var walk func(prefix string, value gjson.Result)
	walk = func(prefix string, value gjson.Result) {
		index := -1
		value.ForEach(func(key, child gjson.Result) bool {
			index++
			var path string
			if value.IsArray() {
				path = joinPath(prefix, strconv.Itoa(index))
			} else {
				path = joinPath(prefix, escapePathKey(key.String()))
			}
			switch {
			case child.IsObject() || child.IsArray():
				walk(path, child)
			case child.Type == gjson.String:
				if s := ResolveString(child.String(), lookup); s != child.String() {
					resolved, _ = sjson.Set(resolved, path, s)
				}
			}
			return true
		})
	}
	root := gjson.Parse(doc)
	if root.IsObject() || root.IsArray() {
		walk("", root)
	}
	return resolved
}

// HasUnresolved reports whether s still contains a placeholder token.
func HasUnresolved(s string) bool {
	return strings.Contains(s, placeholderMarker)
}

// UnresolvedVar returns the name of the first unresolved placeholder in s,
// or "" when there is none.
func UnresolvedVar(s string) string {
	m := placeholderPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

var pathKeyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

func escapePathKey(key string) string {
	return pathKeyEscaper.Replace(key)
}
