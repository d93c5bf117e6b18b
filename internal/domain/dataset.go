package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type DatasetType string

const (
	DatasetOrders    DatasetType = "orders"
	DatasetTrades    DatasetType = "trades"
	DatasetLedger    DatasetType = "ledger"
	DatasetUCC       DatasetType = "ucc"
	DatasetReconBank DatasetType = "recon_bank"
	DatasetReconDP   DatasetType = "recon_dp"
	DatasetNBBO      DatasetType = "nbbo"
)

func (t DatasetType) Valid() bool {
	switch t {
	case DatasetOrders, DatasetTrades, DatasetLedger, DatasetUCC, DatasetReconBank, DatasetReconDP, DatasetNBBO:
		return true
	default:
		return false
	}
}

// Dataset is the metadata of an uploaded dataset. Its rows live in the
// physical table named by PhysicalTable.
type Dataset struct {
	ID         string
	TenantID   string
	Name       string
	Type       DatasetType
	FilePath   string
	FileHash   string
	Schema     []string
	RowCount   int64
	UploadedAt time.Time
	UploadedBy string
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(d.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if !d.Type.Valid() {
		return errors.New("dataset type is invalid")
	}
	return nil
}

func (d Dataset) PhysicalTable() string {
	return PhysicalTableName(d.TenantID, d.ID)
}

const tableSlugMax = 24

// PhysicalTableName is "dataset_", a readable slug of the id (lowercased,
// runes outside [a-z0-9] mapped to '_', at most 24 bytes), '_' and the first
// 16 hex digits of sha256(tenantID + "\x00" + datasetID). The digest keeps
// equal ids of different tenants, and ids that share a slug, on separate
// tables.
func PhysicalTableName(tenantID, datasetID string) string {
	var b strings.Builder
	b.Grow(len("dataset_") + tableSlugMax + 1 + 16)
	b.WriteString("dataset_")
	n := 0
	for _, r := range strings.ToLower(datasetID) {
		if n == tableSlugMax {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		n++
	}
	sum := sha256.Sum256([]byte(tenantID + "\x00" + datasetID))
	b.WriteByte('_')
	b.WriteString(hex.EncodeToString(sum[:8]))
	return b.String()
}
