package execution

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
)

const (
	envFileName          = "env.list"
	awsConfigFileName    = "aws.config"
	awsCredentialsName   = "aws.credentials"
	credentialHelperName = "credentials-helper.sh"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// shellQuote wraps v in single quotes so the shell treats it as one literal
// word. An embedded single quote is closed, escaped and reopened.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// buildEnvFile renders the sourced environment file. Caller entries are
// quoted like every other value; agent entries replace caller entries with
// the same name.
func buildEnvFile(caller, agent map[string]string) (string, error) {
	merged := make(map[string]string, len(caller)+len(agent))
	for k, v := range caller {
		if !envKeyPattern.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		merged[k] = v
	}
	maps.Copy(merged, agent)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(merged[k]))
	}
	return b.String(), nil
}

func writeEnvFile(path string, caller, agent map[string]string) error {
	content, err := buildEnvFile(caller, agent)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o700); err != nil {
		return fmt.Errorf("write environment file: %w", err)
	}
	return nil
}
