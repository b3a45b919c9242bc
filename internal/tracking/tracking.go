// Package tracking mirrors job progress into the human-visible folder tree on
// the factory share. Every operation is best-effort: failures are logged and
// never block the pipeline.
package tracking

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"optiplan-pipeline/internal/models"
)

// Fixed top-level folder names. These are read by people on the shop floor
// and must not be renamed.
const (
	FolderRunning   = "0_ISLENIYOR"
	FolderImported  = "1_GELEN_SIPARISLER"
	FolderOptimized = "2_ISLENEN_SIPARISLER"
	FolderFailed    = "3_HATALI_VERILER"
	FolderAwaiting  = "4_OPTIMIZASYON_BEKLIYOR"
	FolderDelivered = "5_KESIME_GONDERILDI"
	FolderDone      = "6_KESIM_TAMAMLANDI"
	FolderReports   = "_raporlar"
	FolderDailyLogs = "_loglar"
)

// Service writes the mirror tree under a configured root.
type Service struct {
	root string
	log  *slog.Logger
	now  func() time.Time
}

func New(root string, log *slog.Logger) *Service {
	return &Service{
		root: root,
		log:  log,
		now:  func() time.Time { return time.Now() },
	}
}

// EnsureLayout creates the full folder tree.
func (s *Service) EnsureLayout() error {
	for _, name := range []string{
		FolderRunning, FolderImported, FolderOptimized, FolderFailed,
		FolderAwaiting, FolderDelivered, FolderDone, FolderReports, FolderDailyLogs,
	} {
		if err := os.MkdirAll(filepath.Join(s.root, name), 0o755); err != nil {
			return fmt.Errorf("create tracking folder %s: %w", name, err)
		}
	}
	return nil
}

// Mirror copies the job's artifact files into the folder matching its state
// and appends a daily log line. Errors are swallowed.
func (s *Service) Mirror(job models.Job, message string) {
	folder, ok := folderFor(job.State)
	if ok {
		dir := filepath.Join(s.root, folder, job.OrderID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Warn("tracking mkdir failed", "dir", dir, "error", err)
		} else {
			for _, src := range []*string{job.XLSXPath, job.XMLPath} {
				if src == nil || *src == "" {
					continue
				}
				if err := copyFile(*src, filepath.Join(dir, filepath.Base(*src))); err != nil {
					s.log.Warn("tracking copy failed", "src", *src, "error", err)
				}
			}
		}
	}
	s.Log(job.ID, fmt.Sprintf("state=%s order=%s %s", job.State, job.OrderID, message))
}

// Log appends one timestamped line to today's log under _loglar/.
func (s *Service) Log(jobID, message string) {
	now := s.now()
	path := filepath.Join(s.root, FolderDailyLogs, now.Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("tracking daily log open failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s job=%s %s\n", now.Format(time.RFC3339), jobID, message)
	if _, err := f.WriteString(line); err != nil {
		s.log.Warn("tracking daily log write failed", "path", path, "error", err)
	}
}

// DumpReceipt writes the human-readable receipt note under _raporlar/.
func (s *Service) DumpReceipt(orderID, note string) {
	path := filepath.Join(s.root, FolderReports, fmt.Sprintf("uretim_%s.txt", orderID))
	if err := os.WriteFile(path, []byte(note), 0o644); err != nil {
		s.log.Warn("receipt dump failed", "path", path, "error", err)
	}
}

func folderFor(state models.State) (string, bool) {
	switch state {
	case models.StateOptiRunning:
		return FolderRunning, true
	case models.StateNew, models.StateOptiImported:
		return FolderImported, true
	case models.StateOptiDone, models.StateXMLReady:
		return FolderOptimized, true
	case models.StateFailed:
		return FolderFailed, true
	case models.StateHold:
		return FolderAwaiting, true
	case models.StateDelivered:
		return FolderDelivered, true
	case models.StateDone:
		return FolderDone, true
	}
	return "", false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
