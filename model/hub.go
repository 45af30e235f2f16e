package model

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError is returned when a caller supplies missing or invalid parameters.
type ValidationError struct {
	Fields map[string]interface{}
}

func (v ValidationError) Error() string {
	ret := make([]string, 0, len(v.Fields))

	for key, val := range v.Fields {
		ret = append(ret, fmt.Sprintf("%s=%v", key, val))
	}

	sort.Strings(ret)

	return "validation failed: " + strings.Join(ret, ", ")
}
