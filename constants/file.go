package constants

import "strings"

// AllowedExtensions holds the file extensions picked up by directory ingestion.
// Inputs are plain OCR text dumps.
var AllowedExtensions = map[string]struct{}{
	"txt":  {},
	"text": {},
	"ocr":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
