package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fieldtracker/internal/geo"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sample(lat, lon float64) geo.Sample {
	return geo.Sample{Latitude: lat, Longitude: lon, AccuracyM: 5, Source: "test"}
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	var prev int64
	for i := 0; i < 5; i++ {
		id, err := st.Insert(ctx, 100, sample(31.2, 121.5), time.Now())
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if id <= prev {
			t.Fatalf("expected increasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestUploadQueueOrderAndEligibility(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := st.Insert(ctx, 100, sample(1, float64(i)), time.Now())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	// other session must not leak into session 100's queue
	if _, err := st.Insert(ctx, 200, sample(2, 2), time.Now()); err != nil {
		t.Fatal(err)
	}
	// delivered rows leave the queue; failed rows stay eligible
	if err := st.UpdateStatus(ctx, ids[0], geo.StatusSuccess); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStatus(ctx, ids[1], geo.StatusFailed); err != nil {
		t.Fatal(err)
	}

	rows, err := st.UploadQueue(ctx, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{ids[1], ids[2], ids[3]}
	if len(rows) != len(want) {
		t.Fatalf("expected %d eligible rows, got %d", len(want), len(rows))
	}
	for i, row := range rows {
		if row.ID != want[i] {
			t.Fatalf("row %d: expected id %d, got %d", i, want[i], row.ID)
		}
		if row.SessionID != 100 {
			t.Fatalf("row %d: wrong session %d", i, row.SessionID)
		}
	}
}

func TestUploadQueueAfterPagesPastFailedRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := st.Insert(ctx, 100, sample(1, float64(i)), time.Now())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	// failed rows stay eligible but must not pin the window
	if err := st.UpdateStatus(ctx, ids[0], geo.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStatus(ctx, ids[1], geo.StatusFailed); err != nil {
		t.Fatal(err)
	}
	// delivered rows drop out of every page
	if err := st.UpdateStatus(ctx, ids[2], geo.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	page, err := st.UploadQueueAfter(ctx, 100, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[0] || page[1].ID != ids[1] {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = st.UploadQueueAfter(ctx, 100, page[1].ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[4] {
		t.Fatalf("second page must skip delivered rows and advance: %+v", page)
	}

	page, err = st.UploadQueueAfter(ctx, 100, page[1].ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 {
		t.Fatalf("expected exhausted queue, got %+v", page)
	}
}

func TestUploadQueueEmptyIsNotAnError(t *testing.T) {
	st := openTestStore(t)
	rows, err := st.UploadQueue(context.Background(), 42, 10)
	if err != nil {
		t.Fatalf("empty queue: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty queue, got %d rows", len(rows))
	}
}

func TestRetentionSweepSparesPending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	pendingID, _ := st.Insert(ctx, 100, sample(1, 1), old)
	successID, _ := st.Insert(ctx, 100, sample(2, 2), old)
	failedID, _ := st.Insert(ctx, 100, sample(3, 3), old)
	freshID, _ := st.Insert(ctx, 100, sample(4, 4), time.Now())
	if err := st.UpdateStatus(ctx, successID, geo.StatusSuccess); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStatus(ctx, failedID, geo.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStatus(ctx, freshID, geo.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	var deleted int64
	for _, status := range []geo.Status{geo.StatusSuccess, geo.StatusFailed} {
		n, err := st.DeleteByStatusBefore(ctx, status, cutoff)
		if err != nil {
			t.Fatalf("sweep %s: %v", status, err)
		}
		deleted += n
	}
	if deleted != 2 {
		t.Fatalf("expected 2 rows swept, got %d", deleted)
	}

	if row, _ := st.Sample(ctx, pendingID); row == nil {
		t.Fatal("old pending row must survive the sweep")
	}
	if row, _ := st.Sample(ctx, freshID); row == nil {
		t.Fatal("fresh success row inside the window must survive")
	}
	if row, _ := st.Sample(ctx, successID); row != nil {
		t.Fatal("old success row should have been swept")
	}
}

func TestRetentionRefusesPendingStatus(t *testing.T) {
	st := openTestStore(t)
	_, err := st.DeleteByStatusBefore(context.Background(), geo.StatusPending, time.Now())
	if !errors.Is(err, ErrPendingRetention) {
		t.Fatalf("expected ErrPendingRetention, got %v", err)
	}
}

func TestSessionCountsAndBacklog(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, _ := st.Insert(ctx, 100, sample(1, 1), time.Now())
	b, _ := st.Insert(ctx, 100, sample(2, 2), time.Now())
	if _, err := st.Insert(ctx, 200, sample(3, 3), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStatus(ctx, a, geo.StatusSuccess); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateStatus(ctx, b, geo.StatusFailed); err != nil {
		t.Fatal(err)
	}

	counts, err := st.SessionCounts(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 || counts.Success != 1 || counts.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	backlog, err := st.SessionsWithBacklog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(backlog) != 2 || backlog[0] != 100 || backlog[1] != 200 {
		t.Fatalf("unexpected backlog sessions: %v", backlog)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := st.Insert(ctx, 100, sample(31.2, 121.5), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	row, err := st2.Sample(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.Status != geo.StatusPending {
		t.Fatalf("expected pending row after reopen, got %+v", row)
	}
}
