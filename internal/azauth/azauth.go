// Package azauth builds the Azure identity used for keyless access and
// verifies that it can actually obtain tokens.
package azauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// Token scopes for the services policyrag talks to.
const (
	StorageScope    = "https://storage.azure.com/.default"
	ManagementScope = "https://management.azure.com/.default"
	CognitiveScope  = "https://cognitiveservices.azure.com/.default"
)

// ErrAuthFailed wraps every token acquisition failure.
var ErrAuthFailed = errors.New("authentication failed")

// NewCredential returns a DefaultAzureCredential. It tries environment
// variables, workload identity, managed identity and finally the Azure CLI
// login. A non-empty tenantID pins every source to that tenant.
func NewCredential(tenantID string) (azcore.TokenCredential, error) {
	opts := &azidentity.DefaultAzureCredentialOptions{TenantID: tenantID}
	cred, err := azidentity.NewDefaultAzureCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("creating azure credential: %w", err)
	}
	return cred, nil
}

// TokenInfo describes an acquired token without exposing it.
type TokenInfo struct {
	Scope     string
	ExpiresOn time.Time
}

// Verify requests a token for scope. The token itself is discarded.
func Verify(ctx context.Context, cred azcore.TokenCredential, scope string) (TokenInfo, error) {
	if scope == "" {
		scope = StorageScope
	}
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if tok.Token == "" {
		return TokenInfo{}, fmt.Errorf("%w: empty token for %s", ErrAuthFailed, scope)
	}
	return TokenInfo{Scope: scope, ExpiresOn: tok.ExpiresOn}, nil
}

// Hint identifies which set of troubleshooting steps applies.
type Hint int

const (
	HintLogin Hint = iota
	HintStorage
	HintSearch
)

// Troubleshooting returns the steps an operator should check for a failure.
func Troubleshooting(h Hint) []string {
	switch h {
	case HintStorage:
		return []string{
			"Did you run 'az login' in your terminal?",
			"Does your account have the 'Storage Blob Data Contributor' role on this storage account?",
		}
	case HintSearch:
		return []string{
			"Is AZURE_SEARCH_API_KEY a valid query or admin key for this service?",
			"Has the indexer run since the document was uploaded?",
		}
	default:
		return []string{
			"Run 'az login' (add --tenant <id> if you have access to several tenants).",
			"Confirm the subscription with 'az account show'.",
			"If it still fails, run 'policyrag doctor' and send the diagnostics report.",
		}
	}
}
