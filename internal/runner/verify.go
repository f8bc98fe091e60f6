package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/basket/go-warden/internal/lifecycle"
	"github.com/basket/go-warden/internal/workitem"
)

// ArtifactVerifier runs a work item's checks against the artifacts an attempt
// produced. Checks see only artifacts, never the attempt's own claims, and
// command checks run in this process's environment, not the attempt's.
type ArtifactVerifier struct{}

func (ArtifactVerifier) RunChecks(ctx context.Context, checks []workitem.Check, artifacts map[string]string) (lifecycle.VerificationReport, error) {
	report := lifecycle.VerificationReport{AllPassed: true}
	for _, check := range checks {
		result := runCheck(ctx, check, artifacts)
		if !result.Passed {
			report.AllPassed = false
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

func runCheck(ctx context.Context, check workitem.Check, artifacts map[string]string) workitem.CheckResult {
	result := workitem.CheckResult{Name: check.Name}

	switch check.Name {
	case "artifact_exists":
		_, ok := artifacts[check.Command]
		result.Passed = ok
		if !ok {
			result.Detail = fmt.Sprintf("artifact %q not produced", check.Command)
		}
	case "artifact_equals":
		got, ok := artifacts[check.Command]
		if !ok {
			result.Detail = fmt.Sprintf("artifact %q not produced", check.Command)
			return result
		}
		result.Passed = got == check.Expect
		if !result.Passed {
			result.Detail = fmt.Sprintf("artifact %q content mismatch", check.Command)
		}
	case "artifact_contains":
		got, ok := artifacts[check.Command]
		if !ok {
			result.Detail = fmt.Sprintf("artifact %q not produced", check.Command)
			return result
		}
		result.Passed = strings.Contains(got, check.Expect)
		if !result.Passed {
			result.Detail = fmt.Sprintf("artifact %q does not contain expected text", check.Command)
		}
	case "command":
		result = runCommandCheck(ctx, check)
	default:
		// Fail closed: an unknown check cannot pass.
		result.Detail = fmt.Sprintf("unknown check %q", check.Name)
	}
	return result
}

// runCommandCheck executes the check command and passes on exit 0. When
// Expect is set the combined output must also contain it.
func runCommandCheck(ctx context.Context, check workitem.Check) workitem.CheckResult {
	result := workitem.CheckResult{Name: check.Name}
	if strings.TrimSpace(check.Command) == "" {
		result.Detail = "command check has no command"
		return result
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", check.Command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		result.Detail = fmt.Sprintf("command failed: %v", err)
		return result
	}
	if check.Expect != "" && !strings.Contains(out.String(), check.Expect) {
		result.Detail = "command output missing expected text"
		return result
	}
	result.Passed = true
	return result
}
