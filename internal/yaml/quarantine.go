package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a damaged file into <dir>/quarantine.
func Quarantine(dir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dest := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

// RestoreFromBackup replaces filePath with its .bak copy when that copy
// carries a valid header of fileType.
func RestoreFromBackup(filePath, fileType string) error {
	content, err := os.ReadFile(filePath + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also damaged: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// GenerateSkeleton writes an empty file of fileType.
func GenerateSkeleton(filePath, fileType string) error {
	content, err := yamlv3.Marshal(skeleton(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// CheckStateFile validates filePath and repairs it if needed: the damaged
// file is quarantined, then restored from its backup or reset to an empty
// skeleton. A missing file is left alone.
func CheckStateFile(dir, filePath, fileType string, log zerolog.Logger) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	err := ValidateSchemaHeader(filePath, fileType)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("file", filePath).Msg("state_file_damaged")

	dest, qerr := Quarantine(dir, filePath)
	if qerr != nil {
		return fmt.Errorf("quarantine failed: %w", qerr)
	}
	log.Info().Str("file", filePath).Str("quarantine", dest).Msg("state_file_quarantined")

	rerr := RestoreFromBackup(filePath, fileType)
	if rerr == nil {
		log.Info().Str("file", filePath).Msg("state_file_restored")
		return nil
	}
	log.Warn().Err(rerr).Str("file", filePath).Msg("backup_restore_failed")
	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

func skeleton(fileType string) any {
	switch fileType {
	case FileTypeStateQueues:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeStateQueues,
			"queues":         []any{},
			"operators":      []any{},
			"updated_at":     nil,
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
