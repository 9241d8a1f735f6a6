package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

// Archiver is the cold-storage hand-off for sealed receipts.
type Archiver interface {
	Archive(ctx context.Context, r models.Receipt) error
}

// DirArchiver writes receipts under hour-partitioned directories:
// receipts/YYYY/MM/DD/HH/receipt_<id>.json. The layout matches what bulk
// loaders expect from object-store partitioning.
type DirArchiver struct {
	Root string
}

func (a *DirArchiver) Archive(ctx context.Context, r models.Receipt) error {
	_ = ctx
	ts := r.Timestamp.UTC()
	dir := filepath.Join(a.Root, "receipts",
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("%02d", ts.Hour()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("receipt_%s.json", r.ReceiptID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
