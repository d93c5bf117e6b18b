package datasets

import (
	"context"
	"errors"
	"testing"

	"github.com/atharvv04/CompliancePilot/internal/domain"
	"github.com/atharvv04/CompliancePilot/internal/repo"
)

type fakeDatasetRepo struct {
	datasets map[string]domain.Dataset
	deleted  []domain.AuditEvent
}

func (f *fakeDatasetRepo) CreateDataset(ctx context.Context, ds domain.Dataset) error {
	f.datasets[ds.TenantID+"/"+ds.ID] = ds
	return nil
}

func (f *fakeDatasetRepo) GetDataset(ctx context.Context, tenantID, id string) (domain.Dataset, error) {
	ds, ok := f.datasets[tenantID+"/"+id]
	if !ok {
		return domain.Dataset{}, repo.ErrNotFound
	}
	return ds, nil
}

func (f *fakeDatasetRepo) ListDatasets(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	out := make([]domain.Dataset, 0)
	for _, ds := range f.datasets {
		if ds.TenantID == filter.TenantID && (filter.Type == "" || ds.Type == filter.Type) {
			out = append(out, ds)
		}
	}
	return out, nil
}

func (f *fakeDatasetRepo) DeleteDataset(ctx context.Context, tenantID, id string, event domain.AuditEvent) (domain.Dataset, error) {
	ds, ok := f.datasets[tenantID+"/"+id]
	if !ok {
		return domain.Dataset{}, repo.ErrNotFound
	}
	if err := event.Validate(); err != nil {
		return domain.Dataset{}, err
	}
	delete(f.datasets, tenantID+"/"+id)
	f.deleted = append(f.deleted, event)
	return ds, nil
}

type fakeBlobs struct {
	err     error
	deleted []string
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobs) Bucket() string { return "compliance-datasets" }

type fakeAudit struct {
	events []domain.AuditEvent
}

func (f *fakeAudit) Append(ctx context.Context, e domain.AuditEvent) (int64, error) {
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

var analyst = AuditInfo{Actor: "ops@example.com", RequestID: "req-9"}

func newRepo() *fakeDatasetRepo {
	return &fakeDatasetRepo{datasets: map[string]domain.Dataset{
		"tenant-a/ds1": {ID: "ds1", TenantID: "tenant-a", Name: "march", Type: domain.DatasetTrades, FilePath: "tenant-a/datasets/trades/2026-03-01/abc_march.csv", FileHash: "h"},
	}}
}

func TestDeleteRemovesDatasetAndBlob(t *testing.T) {
	datasets := newRepo()
	blobs := &fakeBlobs{}
	audit := &fakeAudit{}
	svc, err := New(datasets, blobs, audit, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	res, err := svc.Delete(context.Background(), "tenant-a", "ds1", analyst)
	if err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if !res.BlobRemoved || res.OrphanedBlob != "" || res.Dataset.ID != "ds1" {
		t.Fatalf("result=%+v", res)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != res.Dataset.FilePath {
		t.Fatalf("blobs deleted=%v", blobs.deleted)
	}
	if len(datasets.deleted) != 1 || datasets.deleted[0].Action != domain.AuditDatasetDeleted {
		t.Fatalf("delete event=%+v", datasets.deleted)
	}
	if len(audit.events) != 0 {
		t.Fatalf("unexpected orphan events: %+v", audit.events)
	}
}

func TestDeleteRecordsOrphanedBlob(t *testing.T) {
	audit := &fakeAudit{}
	svc, err := New(newRepo(), &fakeBlobs{err: errors.New("bucket unreachable")}, audit, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	res, err := svc.Delete(context.Background(), "tenant-a", "ds1", analyst)
	if err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if res.BlobRemoved || res.OrphanedBlob == "" {
		t.Fatalf("result=%+v, want orphaned blob", res)
	}
	if len(audit.events) != 1 {
		t.Fatalf("audit events=%d, want 1", len(audit.events))
	}
	e := audit.events[0]
	if e.Action != domain.AuditDatasetBlobOrphaned || e.Payload["key"] != res.OrphanedBlob || e.Payload["bucket"] != "compliance-datasets" {
		t.Fatalf("orphan event=%+v", e)
	}
}

func TestDeleteOtherTenantIsNotFound(t *testing.T) {
	datasets := newRepo()
	svc, err := New(datasets, &fakeBlobs{}, &fakeAudit{}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if _, err := svc.Delete(context.Background(), "tenant-b", "ds1", analyst); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Delete() err=%v, want ErrNotFound", err)
	}
	if len(datasets.datasets) != 1 {
		t.Fatalf("dataset removed across tenants")
	}
}

func TestDeleteRequiresActor(t *testing.T) {
	svc, err := New(newRepo(), nil, nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if _, err := svc.Delete(context.Background(), "tenant-a", "ds1", AuditInfo{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Delete() err=%v, want ErrInvalidRequest", err)
	}
}

func TestListValidatesFilter(t *testing.T) {
	svc, err := New(newRepo(), nil, nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	got, err := svc.List(context.Background(), repo.DatasetFilter{TenantID: "tenant-a", Type: domain.DatasetTrades})
	if err != nil || len(got) != 1 {
		t.Fatalf("List()=%v err=%v", got, err)
	}
	if _, err := svc.List(context.Background(), repo.DatasetFilter{TenantID: "tenant-a", Type: "spreadsheets"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("List() bad type err=%v", err)
	}
}
