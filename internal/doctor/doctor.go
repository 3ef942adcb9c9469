// Package doctor runs the operator runbook as a set of independent checks.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"golang.org/x/sync/errgroup"

	"github.com/policyrag/policyrag/internal/azauth"
	"github.com/policyrag/policyrag/internal/azcli"
	"github.com/policyrag/policyrag/internal/config"
	"github.com/policyrag/policyrag/internal/search"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 30 * time.Second

// Check is one named runbook step. Run returns a short detail on success.
type Check struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Result is the outcome of a Check.
type Result struct {
	Name   string
	Detail string
	Err    error
}

// OK reports whether the check passed.
func (r Result) OK() bool { return r.Err == nil }

// RunAll runs checks concurrently, at most limit at a time, and returns
// results in the order the checks were given. A failing check never stops
// the others.
func RunAll(ctx context.Context, checks []Check, limit int) []Result {
	results := make([]Result, len(checks))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
			defer cancel()
			detail, err := c.Run(cctx)
			results[i] = Result{Name: c.Name, Detail: detail, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Failed reports whether any result failed.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.OK() {
			return true
		}
	}
	return false
}

// CLIInstalled checks that the az executable runs.
func CLIInstalled(cli *azcli.CLI) Check {
	return Check{Name: "Azure CLI installed", Run: func(ctx context.Context) (string, error) {
		v, err := cli.Version(ctx)
		if err != nil {
			return "", err
		}
		return "azure-cli " + v.CLI, nil
	}}
}

// LoggedIn checks that az has an active account.
func LoggedIn(cli *azcli.CLI) Check {
	return Check{Name: "Logged in", Run: func(ctx context.Context) (string, error) {
		acct, err := cli.Account(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s (%s)", acct.User.Name, acct.User.Type), nil
	}}
}

// SubscriptionMatches checks the active subscription and tenant against
// the configured ones. Empty expectations only require a subscription.
func SubscriptionMatches(cli *azcli.CLI, want config.AzureConfig) Check {
	return Check{Name: "Subscription", Run: func(ctx context.Context) (string, error) {
		acct, err := cli.Account(ctx)
		if err != nil {
			return "", err
		}
		if want.SubscriptionID != "" && acct.ID != want.SubscriptionID {
			return "", fmt.Errorf("active subscription is %s (%s), expected %s; run: policyrag auth subscription %s",
				acct.Name, acct.ID, want.SubscriptionID, want.SubscriptionID)
		}
		if want.TenantID != "" && acct.TenantID != want.TenantID {
			return "", fmt.Errorf("active tenant is %s, expected %s; run: policyrag auth login --tenant %s",
				acct.TenantID, want.TenantID, want.TenantID)
		}
		if acct.State != "" && acct.State != "Enabled" {
			return "", fmt.Errorf("subscription %s is %s", acct.Name, acct.State)
		}
		return fmt.Sprintf("%s (%s)", acct.Name, acct.ID), nil
	}}
}

// TokenFor checks that the identity can obtain a token for scope. The
// credential is built lazily so a construction error is reported as a
// check failure.
func TokenFor(name, scope string, newCred func() (azcore.TokenCredential, error)) Check {
	return Check{Name: name, Run: func(ctx context.Context) (string, error) {
		cred, err := newCred()
		if err != nil {
			return "", err
		}
		info, err := azauth.Verify(ctx, cred, scope)
		if err != nil {
			return "", err
		}
		return "expires " + info.ExpiresOn.Local().Format(time.Kitchen), nil
	}}
}

// Pinger is satisfied by *search.Client.
type Pinger interface {
	Ping(ctx context.Context) (search.IndexStats, error)
}

// SearchReachable checks the search endpoint, index and key together.
func SearchReachable(cfg config.Config, newClient func() Pinger) Check {
	return Check{Name: "Search index reachable", Run: func(ctx context.Context) (string, error) {
		if err := cfg.RequireSearch(); err != nil {
			return "", err
		}
		st, err := newClient().Ping(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %d documents", cfg.Search.IndexName, st.DocumentCount), nil
	}}
}

// StorageConfigured checks the blob account and container settings.
func StorageConfigured(cfg config.Config) Check {
	return Check{Name: "Blob storage configured", Run: func(context.Context) (string, error) {
		if err := cfg.RequireStorage(); err != nil {
			return "", err
		}
		return cfg.Storage.AccountURL + "/" + cfg.Storage.Container, nil
	}}
}

// OpenAIConfigured checks that every Azure OpenAI setting is present.
func OpenAIConfigured(cfg config.Config) Check {
	return Check{Name: "Azure OpenAI configured", Run: func(context.Context) (string, error) {
		if err := cfg.RequireOpenAI(); err != nil {
			return "", err
		}
		return "deployment " + cfg.OpenAI.Deployment, nil
	}}
}

// NeedsLogin reports whether any failure is fixed by logging in again.
func NeedsLogin(results []Result) bool {
	for _, r := range results {
		if errors.Is(r.Err, azcli.ErrNotLoggedIn) || errors.Is(r.Err, azauth.ErrAuthFailed) {
			return true
		}
	}
	return false
}
