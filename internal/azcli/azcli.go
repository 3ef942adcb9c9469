// Package azcli drives the Azure CLI (`az`) for the operator setup steps:
// checking the install, signing in, selecting a subscription, and collecting
// diagnostics when sign-in does not work.
package azcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrNotInstalled is returned when the az executable cannot be found.
	ErrNotInstalled = errors.New("azure cli not installed")
	// ErrNotLoggedIn is returned when az has no signed-in account.
	ErrNotLoggedIn = errors.New("azure cli not logged in")
)

// Runner executes external commands.
type Runner interface {
	// Output runs the command and returns its stdout. On a non-zero exit the
	// returned error includes the trimmed stderr.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Interactive runs the command attached to the given streams.
	Interactive(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return out, err
		}
		return out, fmt.Errorf("%w: %s", err, msg)
	}
	return out, nil
}

func (ExecRunner) Interactive(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// VersionInfo is the subset of `az version` output we report.
type VersionInfo struct {
	CLI  string `json:"azure-cli"`
	Core string `json:"azure-cli-core"`
}

// Account is the active subscription as reported by `az account show`.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TenantID  string `json:"tenantId"`
	State     string `json:"state"`
	IsDefault bool   `json:"isDefault"`
	User      struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"user"`
}

// CLI wraps the az executable.
type CLI struct {
	runner Runner
	bin    string
}

// New returns a CLI that runs az through r. A nil runner uses ExecRunner.
func New(r Runner) *CLI {
	if r == nil {
		r = ExecRunner{}
	}
	return &CLI{runner: r, bin: "az"}
}

// Version returns the installed Azure CLI version.
func (c *CLI) Version(ctx context.Context) (VersionInfo, error) {
	out, err := c.runner.Output(ctx, c.bin, "version", "--output", "json")
	if err != nil {
		return VersionInfo{}, fmt.Errorf("az version: %w", err)
	}
	var v VersionInfo
	if err := json.Unmarshal(out, &v); err != nil {
		return VersionInfo{}, fmt.Errorf("parsing az version output: %w", err)
	}
	if v.CLI == "" {
		return VersionInfo{}, fmt.Errorf("az version: no azure-cli entry in output")
	}
	return v, nil
}

// Account returns the active account and subscription.
func (c *CLI) Account(ctx context.Context) (Account, error) {
	out, err := c.runner.Output(ctx, c.bin, "account", "show", "--output", "json")
	if err != nil {
		if isLoginRequired(err.Error()) {
			return Account{}, fmt.Errorf("%w: %v", ErrNotLoggedIn, err)
		}
		return Account{}, fmt.Errorf("az account show: %w", err)
	}
	var a Account
	if err := json.Unmarshal(out, &a); err != nil {
		return Account{}, fmt.Errorf("parsing az account output: %w", err)
	}
	return a, nil
}

func isLoginRequired(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "az login") || strings.Contains(msg, "please run 'az login'")
}

// Login starts the interactive browser sign-in. A non-empty tenantID
// restricts the sign-in to that directory.
func (c *CLI) Login(ctx context.Context, tenantID string) error {
	args := []string{"login"}
	if tenantID != "" {
		args = append(args, "--tenant", tenantID)
	}
	if err := c.runner.Interactive(ctx, os.Stdin, os.Stdout, os.Stderr, c.bin, args...); err != nil {
		return fmt.Errorf("az login: %w", err)
	}
	return nil
}

// SetSubscription makes id the active subscription.
func (c *CLI) SetSubscription(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("subscription id is required")
	}
	if _, err := c.runner.Output(ctx, c.bin, "account", "set", "--subscription", id); err != nil {
		return fmt.Errorf("az account set: %w", err)
	}
	return nil
}
