// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package logging

import (
	"fmt"
	"strings"
)

// Interpolate replaces %(key) placeholders in template with values from ctx.
//
// This is the stable wire format for user-visible messages: log records, CLI
// summaries and webhook error bodies all carry %(key) tags that are resolved
// from a context map at render time. Unknown keys are left in place so that a
// missing value is visible rather than silently blank.
//
//	Interpolate("backend %(backend) returned %(code)", map[string]any{
//	    "backend": "home_plex", "code": 404,
//	}) // "backend home_plex returned 404"
func Interpolate(template string, ctx map[string]any) string {
	if len(ctx) == 0 || !strings.Contains(template, "%(") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	for {
		start := strings.Index(template, "%(")
		if start < 0 {
			b.WriteString(template)
			return b.String()
		}
		end := strings.Index(template[start:], ")")
		if end < 0 {
			b.WriteString(template)
			return b.String()
		}
		end += start

		b.WriteString(template[:start])
		key := template[start+2 : end]
		if val, ok := ctx[key]; ok {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(template[start : end+1])
		}
		template = template[end+1:]
	}
}

// stringify renders a context value without the quoting fmt.Sprintf("%v")
// applies to some types.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
