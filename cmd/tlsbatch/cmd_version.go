package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tcnksm/go-latest"
	"go.uber.org/zap"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.3.0"

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE:  showVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "Check GitHub for a newer release")
}

// latestChecker is replaced in tests.
var latestChecker = func(owner, repo, current string) (*latest.CheckResponse, error) {
	return latest.Check(&latest.GithubTag{Owner: owner, Repository: repo}, current)
}

func showVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tlsbatch %s\n", version)
	if !versionCheck {
		return nil
	}

	c, err := currentConfig()
	if err != nil {
		return err
	}
	owner, repo := c.Update.GithubOwner, c.Update.GithubRepository
	if owner == "" || repo == "" {
		return errors.New("update check not configured (set update.github_owner and update.github_repository)")
	}

	res, err := latestChecker(owner, repo, version)
	if err != nil {
		logger.Debug("update check failed", zap.Error(err))
		return fmt.Errorf("update check failed: %w", err)
	}
	if res.Outdated {
		fmt.Fprintf(out, "A new version is available: %s (you have %s)\n", res.Current, version)
		fmt.Fprintf(out, "Download it from https://github.com/%s/%s/releases\n", owner, repo)
	} else {
		fmt.Fprintf(out, "You are using the latest version: %s\n", version)
	}
	return nil
}
