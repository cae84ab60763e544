package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"turnengine/pkg/engine/prompts"

	"github.com/spf13/cobra"
)

var promptsListCmd = &cobra.Command{
	Use:   "prompts",
	Short: "List custom slash-command prompts (.sea/prompts/*.md)",
	Run:   runPromptsList,
}

func init() {
	rootCmd.AddCommand(promptsListCmd)
}

func runPromptsList(cmd *cobra.Command, args []string) {
	workspaceRoot, err := resolveWorkspaceRoot()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	projectRoot := filepath.Dir(workspaceRoot)
	home, _ := os.UserHomeDir()

	found := prompts.DiscoverCustomPrompts(prompts.PromptSearchRoots(projectRoot, home))
	if len(found) == 0 {
		fmt.Println("No custom prompts found.")
		return
	}

	fmt.Println("\n📋 Custom Prompts:")
	for _, p := range found {
		desc := p.Description
		if desc == "" {
			desc = "(no description)"
		}
		if p.ArgumentHint != "" {
			fmt.Printf("  - /%s %s: %s\n", p.Name, p.ArgumentHint, desc)
		} else {
			fmt.Printf("  - /%s: %s\n", p.Name, desc)
		}
	}
}
