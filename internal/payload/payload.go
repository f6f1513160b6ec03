// Package payload renders fetched resources as callback-invocation scripts
// that can be loaded cross-origin through a script tag.
package payload

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	definitionOpen  = "function (require, exports, module) {\n"
	definitionClose = "\n}"
	nullDefinition  = "null"
)

// QuoteModuleID returns id as a JavaScript string literal. encoding/json
// escapes U+2028 and U+2029, which end a line in JavaScript, even with HTML
// escaping turned off.
func QuoteModuleID(id string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(id)
	return strings.TrimSuffix(buf.String(), "\n")
}

// Wrap builds the script invoking callback with a single-entry module map.
// The module is defined only when status is 200; any other upstream outcome
// registers the module as null.
//
// callback is written verbatim. Callers decide how strictly to validate it.
func Wrap(callback, moduleID string, status int, content []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(callback) + len(moduleID) + len(content) + len(definitionOpen) + 16)

	buf.WriteString(callback)
	buf.WriteString("({\n")
	buf.WriteString(QuoteModuleID(moduleID))
	buf.WriteString(": ")
	if status == http.StatusOK {
		buf.WriteString(definitionOpen)
		buf.Write(content)
		buf.WriteString(definitionClose)
	} else {
		buf.WriteString(nullDefinition)
	}
	buf.WriteString("\n});\n")

	return buf.Bytes()
}
