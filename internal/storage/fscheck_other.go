//go:build !darwin && !linux

package storage

// Detection is unsupported here; report an unknown type so the database opens.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
