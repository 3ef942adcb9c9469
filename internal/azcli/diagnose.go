package azcli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Report is what an operator sends along when sign-in fails: the OS, the
// shell, and what `az account show` says.
type Report struct {
	OS            string
	Arch          string
	OSVersion     string
	Shell         string
	AccountOutput string
}

// Diagnose collects a Report. It never fails; anything it could not
// determine is recorded as the error text.
func (c *CLI) Diagnose(ctx context.Context) Report {
	r := Report{
		OS:    runtime.GOOS,
		Arch:  runtime.GOARCH,
		Shell: detectShell(runtime.GOOS, os.Getenv),
	}

	if runtime.GOOS == "windows" {
		r.OSVersion = c.outputOrError(ctx, "cmd", "/c", "ver")
	} else {
		r.OSVersion = c.outputOrError(ctx, "uname", "-sr")
	}
	r.AccountOutput = c.outputOrError(ctx, c.bin, "account", "show", "--output", "json")
	return r
}

func (c *CLI) outputOrError(ctx context.Context, name string, args ...string) string {
	out, err := c.runner.Output(ctx, name, args...)
	if err != nil {
		return "error: " + err.Error()
	}
	return strings.TrimSpace(string(out))
}

// detectShell guesses the interactive shell. On Windows PowerShell sets
// PSModulePath for its children, which cmd.exe does not.
func detectShell(goos string, getenv func(string) string) string {
	if goos == "windows" {
		if getenv("PSModulePath") != "" && getenv("PROMPT") == "" {
			return "powershell"
		}
		if spec := getenv("ComSpec"); spec != "" {
			base := spec[strings.LastIndexAny(spec, `\/`)+1:]
			return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
		}
		return "cmd"
	}
	if sh := getenv("SHELL"); sh != "" {
		return filepath.Base(sh)
	}
	return "unknown"
}

// String renders the report as plain lines.
func (r Report) String() string {
	var sb strings.Builder
	sb.WriteString("OS: " + r.OS + "/" + r.Arch + "\n")
	sb.WriteString("OS version: " + r.OSVersion + "\n")
	sb.WriteString("Shell: " + r.Shell + "\n")
	sb.WriteString("az account show:\n" + r.AccountOutput + "\n")
	return sb.String()
}
