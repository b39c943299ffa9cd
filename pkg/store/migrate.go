package store

import (
	"triagedb/pkg/logger"
	"triagedb/pkg/models"
)

// migrateDocument upgrades a decrypted Document to the current data version
// in place and reports whether anything changed. Each case moves exactly one
// version forward; unknown future versions are left alone.
func migrateDocument(doc *models.Document) bool {
	changed := false
	for doc.Metadata.DataVersion < models.CurrentDataVersion {
		switch doc.Metadata.DataVersion {
		case 0:
			// pre-versioned documents carried no processed flag
			for i := range doc.Records {
				doc.Records[i].Processed = true
			}
			doc.Metadata.DataVersion = 1
		default:
			return changed
		}
		changed = true
		logger.Info("document_migrated", "data_version", doc.Metadata.DataVersion)
	}
	return changed
}
