// validation.go - Upload type checks and filename sanitising.
package server

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// allowedMimeTypes are the content types accepted for upload.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"text/csv": true,
}

// extensionTypes maps accepted extensions to their canonical type, so a
// generic client type can be resolved without consulting the host's mime
// tables.
var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
}

// baseMimeType strips parameters such as charset.
func baseMimeType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		if i := strings.Index(ct, ";"); i >= 0 {
			ct = ct[:i]
		}
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

// ResolveUploadType checks filename and the client-supplied content type
// against the allow-list and returns the type to store. A missing or
// generic client type is resolved from the extension.
func ResolveUploadType(filename, clientContentType string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	byExt := extensionTypes[ext]

	ct := baseMimeType(clientContentType)
	if ct == "" || ct == "application/octet-stream" {
		if byExt == "" {
			return "", fmt.Errorf("file type not allowed: %q", filename)
		}
		return byExt, nil
	}
	if !allowedMimeTypes[ct] {
		return "", fmt.Errorf("MIME type not allowed: %s", ct)
	}
	if byExt != "" && byExt != ct && !isMimeTypeCompatible(byExt, ct) {
		return "", fmt.Errorf("MIME type mismatch: extension suggests %s but got %s", byExt, ct)
	}
	return ct, nil
}

// isMimeTypeCompatible treats two types with the same major type as
// compatible (image/jpeg vs image/png).
func isMimeTypeCompatible(expected, actual string) bool {
	expMajor, _, ok1 := strings.Cut(expected, "/")
	actMajor, _, ok2 := strings.Cut(actual, "/")
	return ok1 && ok2 && expMajor == actMajor
}

// SanitizeFilename removes path separators and control bytes and bounds
// the length.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, filename)
	filename = strings.Trim(filename, " .")

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		if len(ext) > 16 {
			ext = ""
		}
		filename = filename[:255-len(ext)] + ext
	}
	if filename == "" {
		filename = "unnamed"
	}
	return filename
}

// contentDisposition builds an attachment header safe for any filename.
func contentDisposition(filename string) string {
	name := SanitizeFilename(filename)
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return `attachment; filename="download"`
}
