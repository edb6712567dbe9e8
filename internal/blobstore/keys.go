package blobstore

import (
	"fmt"
	"strings"
)

// Blob key layout. The tenant prefix is the single source of truth for
// blob-level isolation; every key a tenant can reach carries it.
//
//	uploads/{tenant}/{upload_id}/{sanitized_filename}
//	predictions/{tenant}/{prediction_id}.csv

func UploadKey(tenant string, uploadID int64, filename string) string {
	return fmt.Sprintf("uploads/%s/%d/%s", tenant, uploadID, SanitizeFilename(filename))
}

func PredictionKey(tenant, predictionID string) string {
	return fmt.Sprintf("predictions/%s/%s.csv", tenant, predictionID)
}

// SanitizeFilename strips path separators, control characters, and shell
// metacharacters from a client-supplied filename. Empty results fall back to
// "dataset.csv".
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	// Drop any path component the client sent.
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			continue
		case strings.ContainsRune("`$&|;<>*?!'\"(){}[]~#%^", r):
			continue
		case r == ' ':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "dataset.csv"
	}
	return out
}
