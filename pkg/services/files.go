package services

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caravel-ai/caravel/pkg/config"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
)

// Default upload size caps, applied when the store's config leaves them
// unset. Enforced before any transaction starts.
const (
	MaxFileSize  = 10 << 20
	MaxBatchSize = 50 << 20
)

// FileUpload is one attachment body received with a submission.
type FileUpload struct {
	Filename string
	Data     []byte
}

// UploadLimits caps submission attachments. Zero values fall back to the
// package defaults.
type UploadLimits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
}

func (l UploadLimits) withDefaults() UploadLimits {
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = MaxFileSize
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = MaxBatchSize
	}
	return l
}

// Validate enforces the per-file and per-batch size caps.
func (l UploadLimits) Validate(files []FileUpload) error {
	l = l.withDefaults()
	verr := &ValidationError{}
	var total int64
	for i, f := range files {
		size := int64(len(f.Data))
		total += size
		if size > l.MaxFileBytes {
			verr.AddField(fmt.Sprintf("files.%d", i), fmt.Sprintf("exceeds the %s per-file limit", formatBytes(l.MaxFileBytes)))
		}
	}
	if total > l.MaxTotalBytes {
		verr.AddField("files", fmt.Sprintf("combined size exceeds the %s limit", formatBytes(l.MaxTotalBytes)))
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// ValidateUploads enforces the default caps.
func ValidateUploads(files []FileUpload) error {
	return UploadLimits{}.Validate(files)
}

func formatBytes(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	if n >= 1<<10 && n%(1<<10) == 0 {
		return fmt.Sprintf("%dKB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeFilename strips any path component and reduces the name to
// [A-Za-z0-9._-] so an upload can never escape its deliverable directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, `/`))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if trimmed := strings.Trim(name, "."); trimmed == "" {
		name = "file"
	}
	if len(name) > 128 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:128-len(ext)] + ext
	}
	return name
}

// PlanUploads produces the metadata entries stored with the deliverable:
// sanitized names, deduplicated with numeric suffixes, and sizes. Write
// follows the same plan so the stored names always match the disk.
func PlanUploads(files []FileUpload) models.FileList {
	if len(files) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(files))
	out := make(models.FileList, 0, len(files))
	for _, f := range files {
		name := sanitizeFilename(f.Filename)
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		for n := 1; seen[name]; n++ {
			name = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		seen[name] = true
		out = append(out, models.DeliverableFile{Filename: name, Size: int64(len(f.Data))})
	}
	return out
}

// FileStore writes deliverable attachments beneath the uploads root.
// Writes happen after the submission commits; a failed write marks the
// entry failed but never unwinds the deliverable row.
type FileStore struct {
	root   string
	limits UploadLimits
	logger observability.Logger
}

func NewFileStore(cfg config.UploadsConfig, logger observability.Logger) *FileStore {
	return &FileStore{
		root:   cfg.Root,
		limits: UploadLimits{MaxFileBytes: cfg.MaxFileBytes, MaxTotalBytes: cfg.MaxTotalBytes},
		logger: logger.WithPrefix("files"),
	}
}

// ValidateUploads enforces the store's configured caps.
func (s *FileStore) ValidateUploads(files []FileUpload) error {
	return s.limits.Validate(files)
}

// Write stores the uploads under root/deliverables/{id}/ and returns the
// plan with relative paths filled in, or Failed set where the disk said no.
func (s *FileStore) Write(deliverableID int64, files []FileUpload) models.FileList {
	plan := PlanUploads(files)
	if len(plan) == 0 {
		return nil
	}
	rel := filepath.Join("deliverables", strconv.FormatInt(deliverableID, 10))
	dir := filepath.Join(s.root, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("Failed to create upload directory", map[string]interface{}{
			"dir":   dir,
			"error": err.Error(),
		})
		for i := range plan {
			plan[i].Failed = true
		}
		return plan
	}
	for i := range plan {
		if err := os.WriteFile(filepath.Join(dir, plan[i].Filename), files[i].Data, 0o644); err != nil {
			s.logger.Error("Failed to write upload", map[string]interface{}{
				"filename": plan[i].Filename,
				"error":    err.Error(),
			})
			plan[i].Failed = true
			continue
		}
		plan[i].Path = filepath.Join(rel, plan[i].Filename)
	}
	return plan
}
