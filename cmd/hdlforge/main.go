// Command hdlforge generates Verilog designs with language models and checks them
// against Icarus Verilog testbenches.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hdlforge/pkg/config"
	"hdlforge/pkg/version"
)

// errRunsFailed makes the process exit non-zero after the summary was printed.
var errRunsFailed = errors.New("one or more experiments failed")

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	projectDir string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "hdlforge",
		Short: "Multi-agent Verilog generation against Icarus Verilog testbenches",
		Long: `hdlforge drives a generator, a reviewer, an executor and a recorder over each
experiment directory (testbench.v, *_ref.v, *_Prompt.txt) and records what passed.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "config file (default: ./hdlforge.yaml or ~/.config/hdlforge/hdlforge.yaml)")
	pf.StringVar(&g.projectDir, "project-dir", ".", "directory holding "+config.SecretsDir+"/")

	root.AddCommand(runCmd(g))
	root.AddCommand(configCmd(g))
	root.AddCommand(secretsCmd(g))
	root.AddCommand(reportCmd(g))
	root.AddCommand(versionCmd())
	return root
}

// exitCode maps an error to the process status: 2 for configuration errors, 1 otherwise.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalidConfig):
		return 2
	default:
		return 1
	}
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil && !errors.Is(err, errRunsFailed) {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	}
	os.Exit(exitCode(err))
}
