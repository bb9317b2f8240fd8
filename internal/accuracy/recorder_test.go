package accuracy

import (
	"context"
	"testing"

	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/store/memstore"
)

func TestRecord(t *testing.T) {
	ms := memstore.New()
	r := New(ms)

	conf := 0.9
	r.Record(context.Background(), Payload{
		SessionID:    "s-1",
		AIText:       "an answer",
		Confidence:   &conf,
		LatencyMs:    42,
		Tokens:       17,
		ResponseType: store.ResponseAI,
	})

	recs := ms.AccuracyRecords()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.SessionID != "s-1" || rec.LatencyMs != 42 || rec.Tokens != 17 {
		t.Errorf("record = %+v", rec)
	}
	if rec.ResponseType != store.ResponseAI {
		t.Errorf("responseType = %s", rec.ResponseType)
	}
	if rec.HumanMark != "" {
		t.Errorf("humanMark preset to %q, want unset until admin feedback", rec.HumanMark)
	}
}

func TestRecord_StoreFailureIsSwallowed(t *testing.T) {
	ms := memstore.New()
	ms.Fail = store.ErrUnavailable
	r := New(ms)

	// Must not panic or surface the error: accuracy is best-effort.
	r.Record(context.Background(), Payload{SessionID: "s-1", AIText: "x", ResponseType: store.ResponseAI})
}

func TestFeedback(t *testing.T) {
	ms := memstore.New()
	r := New(ms)

	if err := ms.SaveAccuracyRecord(context.Background(), store.AccuracyRecord{
		ID: "acc-1", SessionID: "s-1", AIText: "x", ResponseType: store.ResponseAI,
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Feedback(context.Background(), "acc-1", "admin-9", store.MarkFlagged, "hallucinated"); err != nil {
		t.Fatal(err)
	}

	rec, err := ms.GetAccuracyRecord(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.HumanMark != store.MarkFlagged || rec.Evaluation != "hallucinated" {
		t.Errorf("record after feedback = %+v", rec)
	}

	audits := ms.Audits()
	if len(audits) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(audits))
	}
	if audits[0].AdminID != "admin-9" || audits[0].Action != "set_human_mark" {
		t.Errorf("audit = %+v", audits[0])
	}
}

func TestFeedback_UnknownRecord(t *testing.T) {
	r := New(memstore.New())
	if err := r.Feedback(context.Background(), "ghost", "admin-1", store.MarkHelpful, ""); err == nil {
		t.Error("feedback on unknown record returned no error")
	}
}
