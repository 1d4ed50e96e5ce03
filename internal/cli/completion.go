package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/rewind/internal/config"
	"github.com/kilupskalvis/rewind/internal/core"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for rewind.

To load completions:

Bash:
  $ source <(rewind completion bash)

Zsh:
  $ source <(rewind completion zsh)

Fish:
  $ rewind completion fish | source
`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bash":
			err = rootCmd.GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			err = rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			err = rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			exitError("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	rollbackCmd.RegisterFlagCompletionFunc("to", completeCheckpointIDs)
	checkpointShowCmd.ValidArgsFunction = completeCheckpointIDs
	checkpointVerifyCmd.ValidArgsFunction = completeCheckpointIDs
	checkpointDeleteCmd.ValidArgsFunction = completeCheckpointIDs
	checkpointDiffCmd.ValidArgsFunction = completeCheckpointIDs
}

// completeCheckpointIDs offers short checkpoint IDs annotated with their
// descriptions. Failures yield no suggestions rather than an error.
func completeCheckpointIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	root := rootDir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		if root, err = config.FindRoot(wd); err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
	}

	repo, err := core.Open(root, core.WithLogger(logger))
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer repo.Close()

	list, err := repo.ListCheckpoints(context.Background(), 0)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var out []string
	for _, cp := range list {
		out = append(out, cp.ShortID()+"\t"+cp.Description)
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
