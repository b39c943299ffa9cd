package state

import "path/filepath"

// Paths is the canonical filesystem layout of one store under its base
// directory.
type Paths struct {
	Base        string
	Records     string // encrypted Document
	KeyHistory  string // ordered key list
	Backups     string
	State       string
	Tmp         string
	Audit       string
	Maintenance string // lease files for scheduled sweeps
}

// PathsFor derives the full layout from a base directory.
func PathsFor(base string) Paths {
	statePath := filepath.Join(base, "state")
	return Paths{
		Base: base,

		// data files
		Records:    filepath.Join(base, "encrypted_records.bin"),
		KeyHistory: filepath.Join(base, "key_history.bin"),
		Backups:    filepath.Join(base, "backups"),

		// state
		State:       statePath,
		Tmp:         filepath.Join(statePath, "tmp"),
		Audit:       filepath.Join(statePath, "audit"),
		Maintenance: filepath.Join(statePath, "maintenance"),
	}
}

// Convenience helpers
func RecordsPath(base string) string     { return PathsFor(base).Records }
func KeyHistoryPath(base string) string  { return PathsFor(base).KeyHistory }
func BackupsPath(base string) string     { return PathsFor(base).Backups }
func AuditPath(base string) string       { return PathsFor(base).Audit }
func MaintenancePath(base string) string { return PathsFor(base).Maintenance }
func TmpPath(base string) string         { return PathsFor(base).Tmp }
