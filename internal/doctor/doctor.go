// Package doctor checks that an agent host is ready to take executions.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mattjoyce/fleet-agent/internal/config"
	"github.com/mattjoyce/fleet-agent/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config against the host it runs on.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateIdentity(r)
	d.validateWorkDir(r)
	d.validateScripts(r)
	d.validateState(r)
	d.validateAPI(r)
	d.validateCredentials(r)
	d.validateIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateIdentity(r *Result) {
	if d.cfg.Agent.Token == "" {
		d.addWarning(r, "agent", "agent.token", "agent token is empty; the service will refuse the control channel")
	}
	if d.cfg.Auth.TokenSecret == "" {
		d.addWarning(r, "auth", "auth.token_secret",
			"no token secret; execution tokens stop working when the agent restarts")
	}
}

// validateWorkDir requires an existing writable work directory. The agent
// never creates it.
func (d *Doctor) validateWorkDir(r *Result) {
	dir := d.cfg.Execution.WorkDir
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		d.addError(r, "execution", "execution.work_dir", fmt.Sprintf("work directory %s does not exist", dir))
		return
	case err != nil:
		d.addError(r, "execution", "execution.work_dir", err.Error())
		return
	case !info.IsDir():
		d.addError(r, "execution", "execution.work_dir", fmt.Sprintf("%s is not a directory", dir))
		return
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		d.addError(r, "execution", "execution.work_dir", fmt.Sprintf("work directory %s is not writable", dir))
	}

	if _, err := os.Stat(d.cfg.Execution.SharedDir); errors.Is(err, fs.ErrNotExist) {
		d.addWarning(r, "execution", "execution.shared_dir",
			fmt.Sprintf("shared directory %s does not exist", d.cfg.Execution.SharedDir))
	}
}

func (d *Doctor) validateScripts(r *Result) {
	if msg := checkExecutable(d.cfg.Execution.SubmitScript); msg != "" {
		d.addError(r, "scripts", "execution.submit_script", msg)
	}
	if msg := checkExecutable(d.cfg.Execution.StopScript); msg != "" {
		d.addWarning(r, "scripts", "execution.stop_script", msg+"; stop-analysis will fail")
	}
}

func checkExecutable(path string) string {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("script %s does not exist", path)
	}
	if err != nil {
		return err.Error()
	}
	if !info.Mode().IsRegular() {
		return fmt.Sprintf("%s is not a regular file", path)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Sprintf("script %s is not executable", path)
	}
	return ""
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Backend == "memory" {
		d.addWarning(r, "state", "state.backend",
			"memory backend loses execution records on restart")
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
		return
	}
	parent := filepath.Dir(d.cfg.State.Path)
	if _, err := os.Stat(parent); err == nil {
		if err := unix.Access(parent, unix.W_OK); err != nil {
			d.addError(r, "state", "state.path", fmt.Sprintf("state directory %s is not writable", parent))
		}
	}
}

// validateAPI warns when jobs on other nodes cannot reach the callback API.
func (d *Doctor) validateAPI(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", err.Error())
		return
	}
	u, err := url.Parse(d.cfg.API.Endpoint)
	if err != nil {
		d.addError(r, "api", "api.endpoint", err.Error())
		return
	}
	listenLoopback := isLoopback(host)
	if listenLoopback && !isLoopback(u.Hostname()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %s but jobs are told to call %s", d.cfg.API.Listen, d.cfg.API.Endpoint))
	}
	if !listenLoopback {
		d.addWarning(r, "api", "api.listen",
			"API listens beyond loopback; only execution tokens protect it")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (d *Doctor) validateCredentials(r *Result) {
	c := d.cfg.Credentials
	if c.DefaultRoleARN == "" {
		d.addWarning(r, "credentials", "credentials.default_role_arn",
			"no default role; executions without a file access role cannot get storage credentials")
	} else if !strings.HasPrefix(c.DefaultRoleARN, "arn:") {
		d.addError(r, "credentials", "credentials.default_role_arn",
			fmt.Sprintf("%q is not an ARN", c.DefaultRoleARN))
	}
	if strings.HasPrefix(c.STSEndpoint, "http://") {
		d.addWarning(r, "credentials", "credentials.sts_endpoint", "STS endpoint is not using TLS")
	}
	if c.CrossAccountID != "" && !c.AllowImagePull {
		d.addWarning(r, "credentials", "credentials.cross_account_id",
			"cross_account_id is only used when allow_image_pull is set")
	}
}

// validateIntegrity checks the launch scripts against the checksum manifest.
func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	manifest, err := config.LoadChecksums(filepath.Dir(d.cfg.SourcePath))
	if errors.Is(err, fs.ErrNotExist) {
		d.addWarning(r, "integrity", "", "scripts are not locked (run 'fleet-agent config lock')")
		return
	}
	if err != nil {
		d.addError(r, "integrity", "", err.Error())
		return
	}
	if err := config.VerifyScripts(d.cfg, manifest); err != nil {
		d.addError(r, "integrity", "", err.Error())
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
