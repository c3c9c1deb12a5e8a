package recorder

import (
	"fmt"
	"regexp"
	"strings"

	"hdlforge/pkg/persistence"
)

// gatePrimitives in match order. Longer names come first so "nand" is not read as "and".
var gatePrimitives = []string{"xnor", "nand", "nor", "xor", "not", "and", "or"}

var (
	primitiveRe  = regexp.MustCompile(`(?m)^\s*(xnor|nand|nor|xor|not|and|or)\b\s*(\w+\s*)?\(`)
	sequentialRe = regexp.MustCompile(`always\s*@\s*\(\s*(posedge|negedge)`)
)

// primitives returns the gate primitives instantiated in code, in gatePrimitives order.
func primitives(code string) []string {
	seen := make(map[string]bool)
	for _, m := range primitiveRe.FindAllStringSubmatch(code, -1) {
		seen[m[1]] = true
	}
	var out []string
	for _, p := range gatePrimitives {
		if seen[p] {
			out = append(out, p)
		}
	}
	return out
}

func designType(code string, needsFlipFlop bool) string {
	if needsFlipFlop || sequentialRe.MatchString(code) {
		return persistence.DesignSequential
	}
	return persistence.DesignCombinational
}

func designFeatures(code string) []string {
	var features []string
	for _, p := range primitives(code) {
		name := strings.ToUpper(p)
		article := "a"
		if strings.ContainsAny(name[:1], "AEIOUX") {
			article = "an"
		}
		features = append(features, fmt.Sprintf("Implements %s %s gate using a single %s primitive", article, name, name))
	}
	if strings.Contains(code, "assign ") {
		features = append(features, "Uses continuous assignment")
	}
	if sequentialRe.MatchString(code) {
		features = append(features, "Uses edge-triggered always blocks")
	}
	return features
}

func designTags(code, kind string) []string {
	tags := []string{"gate", "input", "output", kind}
	for _, p := range primitives(code) {
		tags = append(tags, strings.ToUpper(p))
	}
	return tags
}
