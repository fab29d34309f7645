package execution

import (
	"fmt"
	"os"
	"path/filepath"
)

// credentialHelperScript is invoked by the AWS CLI and SDKs through
// credential_process. It reads its endpoint and token from the environment
// file written next to it so it works from any shell the job spawns.
const credentialHelperScript = `#!/bin/sh
set -e
if [ -z "$AGENT_TOKEN" ] && [ -n "$PW_ENVIRONMENT_FILE" ]; then
  . "$PW_ENVIRONMENT_FILE"
fi
exec curl -sS --fail -X POST \
  -H "Authorization: Bearer $AGENT_TOKEN" \
  "$AGENT_ENDPOINT/executions/$AGENT_EXECUTION_ID/s3-token"
`

// writeCredentialProcess writes the helper script, an AWS config pointing at
// it and an empty shared credentials file that shadows any host-level one.
func writeCredentialProcess(dir, region string) error {
	helper, err := filepath.Abs(filepath.Join(dir, credentialHelperName))
	if err != nil {
		return fmt.Errorf("resolve credential helper path: %w", err)
	}
	if err := os.WriteFile(helper, []byte(credentialHelperScript), 0o750); err != nil {
		return fmt.Errorf("write credential helper: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(helper, 0o750); err != nil {
		return fmt.Errorf("chmod credential helper: %w", err)
	}

	config := "[default]\ncredential_process = " + helper + "\n"
	if region != "" {
		config += "region = " + region + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, awsConfigFileName), []byte(config), 0o600); err != nil {
		return fmt.Errorf("write aws config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, awsCredentialsName), nil, 0o600); err != nil {
		return fmt.Errorf("write aws credentials: %w", err)
	}
	return nil
}
