package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"hdlforge/pkg/config"
	"hdlforge/pkg/utils"
)

// Files every experiment directory must hold.
const (
	testbenchFile  = "testbench.v"
	referenceGlob  = "*_ref.v"
	promptFileGlob = "*_Prompt.txt"
)

var (
	// ErrNoFreeSlot means every run directory of an experiment is already used.
	ErrNoFreeSlot = errors.New("no free run slot")
	// ErrUnknownTarget means --target named no experiment under the root.
	ErrUnknownTarget = errors.New("unknown target experiment")
)

// Experiment is one benchmark directory. Err is set when the directory is incomplete;
// such an experiment is reported but never run.
type Experiment struct {
	Name       string
	Dir        string
	Testbench  string
	Reference  string
	PromptFile string
	Err        error
}

// Discover lists the experiment directories under root, sorted by name. A non-empty
// target keeps only the experiment with that name or path.
func Discover(root, target string) ([]Experiment, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: experiments root %s: %w", config.ErrInvalidConfig, root, err)
	}

	var exps []Experiment
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if target != "" && entry.Name() != filepath.Base(filepath.Clean(target)) {
			continue
		}
		exps = append(exps, inspect(filepath.Join(root, entry.Name())))
	}
	if target != "" && len(exps) == 0 {
		return nil, fmt.Errorf("%w: %w: %s", config.ErrInvalidConfig, ErrUnknownTarget, target)
	}

	sort.Slice(exps, func(i, j int) bool { return exps[i].Name < exps[j].Name })
	return exps, nil
}

func inspect(dir string) Experiment {
	exp := Experiment{Name: filepath.Base(dir), Dir: dir}

	var problems []string
	tb := filepath.Join(dir, testbenchFile)
	if _, err := os.Stat(tb); err != nil {
		problems = append(problems, "missing "+testbenchFile)
	} else {
		exp.Testbench = tb
	}

	exp.Reference, problems = single(dir, referenceGlob, problems)
	exp.PromptFile, problems = single(dir, promptFileGlob, problems)

	if len(problems) > 0 {
		exp.Err = fmt.Errorf("%w: experiment %s: %s", config.ErrInvalidConfig, exp.Name, strings.Join(problems, ", "))
	}
	return exp
}

// single returns the one file in dir matching pattern, recording a problem otherwise.
func single(dir, pattern string, problems []string) (string, []string) {
	matches, _ := filepath.Glob(filepath.Join(dir, pattern))
	switch len(matches) {
	case 1:
		return matches[0], problems
	case 0:
		return "", append(problems, "no "+pattern)
	default:
		return "", append(problems, fmt.Sprintf("%d files match %s", len(matches), pattern))
	}
}

// ModelDir is the directory name used for a model's runs.
func ModelDir(model string) string {
	return utils.PathSegment(model)
}

// ClaimRunDir creates <output>/<model>/<name>_<n> for the smallest free n in 1..maxRuns.
// Creation is the claim, so two processes never share a run directory.
func ClaimRunDir(output, model, name string, maxRuns int) (string, error) {
	parent := filepath.Join(output, ModelDir(model))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", parent, err)
	}

	for n := 1; n <= maxRuns; n++ {
		dir := filepath.Join(parent, name+"_"+strconv.Itoa(n))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}
	return "", fmt.Errorf("%s: %w (max_runs=%d)", name, ErrNoFreeSlot, maxRuns)
}
