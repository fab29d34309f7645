package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name, stored next to the config file.
const ChecksumFile = ".checksums"

// ChecksumManifest records expected BLAKE3 hashes for the config file and
// the launch scripts. Keys are paths relative to the manifest directory, or
// absolute for files outside it.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Lookup returns the recorded hash for path.
func (m *ChecksumManifest) Lookup(dir, path string) (string, bool) {
	h, ok := m.Hashes[manifestKey(dir, path)]
	return h, ok
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Key    string
	Path   string
	Exists bool
	Hash   string
}

// HashUpdateReport captures checksum generation details.
type HashUpdateReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// LockedFiles lists the files whose hashes config lock records.
func LockedFiles(cfg *Config) []string {
	files := make([]string, 0, 3)
	if cfg.SourcePath != "" {
		files = append(files, cfg.SourcePath)
	}
	return append(files, cfg.Execution.SubmitScript, cfg.Execution.StopScript)
}

// Lock hashes the config file and launch scripts into a manifest next to
// the config file. It requires a config loaded from disk.
func Lock(cfg *Config, dryRun bool) (*HashUpdateReport, error) {
	if cfg.SourcePath == "" {
		return nil, errors.New("config lock requires a config file")
	}
	return GenerateChecksumsWithReport(filepath.Dir(cfg.SourcePath), LockedFiles(cfg), dryRun)
}

// GenerateChecksumsWithReport computes file hashes and optionally writes the
// manifest. Missing files are reported and left out of the manifest.
func GenerateChecksumsWithReport(configDir string, files []string, dryRun bool) (*HashUpdateReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	report := &HashUpdateReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
		Files:        make([]HashUpdateFileResult, 0, len(files)),
	}

	for _, name := range files {
		filePath := name
		if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(configDir, name)
		}
		key := manifestKey(configDir, filePath)

		if _, err := os.Stat(filePath); errors.Is(err, fs.ErrNotExist) {
			report.Files = append(report.Files, HashUpdateFileResult{Key: key, Path: filePath})
			continue
		}

		hash, err := ComputeBlake3Hash(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", key, err)
		}

		manifest.Hashes[key] = hash
		report.Files = append(report.Files, HashUpdateFileResult{
			Key:    key,
			Path:   filePath,
			Exists: true,
			Hash:   hash,
		})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the manifest from dir. A missing manifest returns an
// error wrapping fs.ErrNotExist.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("checksums file not found in %s (run 'fleet-agent config lock'): %w", dir, err)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyScripts checks the launch scripts against the manifest next to the
// config file. Scripts recorded in the manifest must exist and match; a
// script with no recorded hash is an error once a manifest exists.
func VerifyScripts(cfg *Config, manifest *ChecksumManifest) error {
	dir := filepath.Dir(cfg.SourcePath)
	for _, script := range []string{cfg.Execution.SubmitScript, cfg.Execution.StopScript} {
		expected, ok := manifest.Lookup(dir, script)
		if _, err := os.Stat(script); errors.Is(err, fs.ErrNotExist) {
			if ok {
				return fmt.Errorf("script %s is in checksums but missing from disk", script)
			}
			continue
		}
		if !ok {
			return fmt.Errorf("script %s has no hash in checksums (run 'fleet-agent config lock')", script)
		}
		if err := VerifyFileHash(script, expected); err != nil {
			return fmt.Errorf("script verification failed: %w\n"+
				"If you edited this script intentionally, run: fleet-agent config lock", err)
		}
	}
	return nil
}

func manifestKey(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Clean(path)
	}
	return rel
}
