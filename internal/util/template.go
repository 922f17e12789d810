package util

import (
	"fmt"
	"strings"
)

// RenderTemplate replaces {var} placeholders with values from vars. Unknown
// placeholders are left as they are.
func RenderTemplate(body string, vars map[string]any) string {
	if len(vars) == 0 {
		return body
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		if v == nil {
			v = ""
		}
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
