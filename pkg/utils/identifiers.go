package utils

import "strings"

//nolint:gochecknoglobals // static replacer
var pathUnsafe = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

// PathSegment makes an identifier usable as one file or directory name. Model names
// like "ollama/qwen2.5-coder:7b" and actor names with slashes are the usual inputs.
func PathSegment(id string) string {
	return pathUnsafe.Replace(id)
}
