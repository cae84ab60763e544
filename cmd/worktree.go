package cmd

import (
	"context"
	"fmt"
	"os"

	"turnengine/pkg/engine/worktree"

	"github.com/spf13/cobra"
)

var worktreeForceFlag bool

var worktreeListCmd = &cobra.Command{
	Use:   "worktree-list",
	Short: "List git worktrees registered against the current repository",
	Run:   runWorktreeList,
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "worktree-remove <path>",
	Short: "Remove a git worktree by path",
	Args:  cobra.ExactArgs(1),
	Run:   runWorktreeRemove,
}

func init() {
	rootCmd.AddCommand(worktreeListCmd)
	rootCmd.AddCommand(worktreeRemoveCmd)
	worktreeRemoveCmd.Flags().BoolVar(&worktreeForceFlag, "force", false, "Remove even if the worktree has local changes")
}

func runWorktreeList(cmd *cobra.Command, args []string) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	entries, err := worktree.List(context.Background(), wd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No worktrees found.")
		return
	}
	for _, e := range entries {
		branch := e.Branch
		if branch == "" {
			branch = "(detached HEAD)"
		}
		fmt.Printf("  %s  [%s]\n", e.Path, branch)
	}
}

func runWorktreeRemove(cmd *cobra.Command, args []string) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if err := worktree.Remove(context.Background(), wd, args[0], worktreeForceFlag); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Removed worktree %s\n", args[0])
}
