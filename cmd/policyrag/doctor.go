package main

import (
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/spf13/cobra"

	"github.com/policyrag/policyrag/internal/azauth"
	"github.com/policyrag/policyrag/internal/azcli"
	"github.com/policyrag/policyrag/internal/config"
	"github.com/policyrag/policyrag/internal/doctor"
	"github.com/policyrag/policyrag/internal/search"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify the Azure CLI, login, subscription and service settings",
	Long: `Verify everything policyrag needs before the first upload:

  1. the Azure CLI is installed
  2. you are logged in
  3. the active subscription and tenant are the configured ones
  4. the storage account is configured and the identity can get a token
  5. the search index is reachable
  6. Azure OpenAI settings are present

If anything fails, a diagnostics report is printed to send to support.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		cli := newCLI()
		checks := doctorChecks(cfg, cli)
		results := doctor.RunAll(cmd.Context(), checks, 4)
		for _, r := range results {
			if r.OK() {
				printSuccess("%s: %s", r.Name, r.Detail)
			} else {
				printError("%s: %v", r.Name, r.Err)
			}
		}

		if !doctor.Failed(results) {
			return nil
		}

		fmt.Fprintln(os.Stderr)
		if doctor.NeedsLogin(results) {
			for _, h := range azauth.Troubleshooting(azauth.HintLogin) {
				printStep("%s", h)
			}
		}
		printWarning("Diagnostics report (include this when asking for help):")
		fmt.Fprint(os.Stderr, cli.Diagnose(cmd.Context()).String())
		return fmt.Errorf("%d of %d checks failed", countFailed(results), len(results))
	},
}

func doctorChecks(cfg config.Config, cli *azcli.CLI) []doctor.Check {
	newCred := func() (azcore.TokenCredential, error) {
		return azauth.NewCredential(cfg.Azure.TenantID)
	}
	return []doctor.Check{
		doctor.CLIInstalled(cli),
		doctor.LoggedIn(cli),
		doctor.SubscriptionMatches(cli, cfg.Azure),
		doctor.StorageConfigured(cfg),
		doctor.TokenFor("Storage token", azauth.StorageScope, newCred),
		doctor.SearchReachable(cfg, func() doctor.Pinger {
			return search.NewClient(cfg.Search.Endpoint, cfg.Search.IndexName, cfg.Search.APIKey, cfg.Search.APIVersion)
		}),
		doctor.OpenAIConfigured(cfg),
	}
}

func countFailed(results []doctor.Result) int {
	n := 0
	for _, r := range results {
		if !r.OK() {
			n++
		}
	}
	return n
}
