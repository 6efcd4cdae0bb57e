package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIDFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "same content produces same ID", content: "test content"},
		{name: "empty string", content: ""},
		{name: "long content", content: "msg-1,msg-2,msg-3,msg-4,msg-5,msg-6,msg-7,msg-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id1 := IDFromContent(tt.content)
			id2 := IDFromContent(tt.content)
			if id1 != id2 {
				t.Errorf("IDFromContent() produced different IDs for same content: %d vs %d", id1, id2)
			}
			if len(id1.String()) != 16 {
				t.Errorf("ID.String() = %q, want 16 hex digits", id1.String())
			}
		})
	}
}

func TestIDFromContent_Different(t *testing.T) {
	if IDFromContent("content1") == IDFromContent("content2") {
		t.Errorf("IDFromContent() produced same ID for different content")
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, name, ext, want string
	}{
		{"uploaded", "products", "csv", "uploaded/products.csv"},
		{"uploaded/", "products", "csv", "uploaded/products.csv"},
		{"uploaded", "spring-2025", "csv.gz", "uploaded/spring-2025.csv.gz"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, tt.name, tt.ext); got != tt.want {
			t.Errorf("ObjectKey(%q, %q, %q) = %q, want %q", tt.prefix, tt.name, tt.ext, got, tt.want)
		}
	}
}

func TestUploadTicket_Expired(t *testing.T) {
	now := time.Now()
	ticket := &UploadTicket{Expiry: now.Add(time.Minute)}
	if ticket.Expired(now) {
		t.Error("ticket should be valid before expiry")
	}
	if !ticket.Expired(now.Add(time.Minute)) {
		t.Error("ticket should be expired at expiry")
	}
}

func TestRawRecord_Get(t *testing.T) {
	record := NewRawRecord([]string{"id", "title"}, []string{"G1", "Foo"}, 2)

	val, ok := record.Get("title")
	if !ok || val != "Foo" {
		t.Errorf("Get(title) = %q, %v", val, ok)
	}
	if _, ok := record.Get("price"); ok {
		t.Error("Get(price) should report missing column")
	}
	if record.Len() != 2 {
		t.Errorf("Len() = %d, want 2", record.Len())
	}
}

func TestRawRecord_JSONKeepsColumnOrder(t *testing.T) {
	record := NewRawRecord(
		[]string{"title", "id", "count", "price", "description"},
		[]string{"Foo \"quoted\"", "G1", "3", "9.99", "Bar"},
		2,
	)

	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"title":"Foo \"quoted\"","id":"G1","count":"3","price":"9.99","description":"Bar"}`
	if string(data) != want {
		t.Fatalf("marshal = %s, want %s", data, want)
	}

	var decoded RawRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for i, col := range record.Columns {
		if decoded.Columns[i] != col || decoded.Values[i] != record.Values[i] {
			t.Errorf("column %d = %q:%q, want %q:%q", i, decoded.Columns[i], decoded.Values[i], col, record.Values[i])
		}
	}
}

func TestRawRecord_UnmarshalRejectsNonStringValues(t *testing.T) {
	var record RawRecord
	if err := json.Unmarshal([]byte(`{"id":1}`), &record); err == nil {
		t.Error("expected error for numeric value")
	}
	if err := json.Unmarshal([]byte(`["id"]`), &record); err == nil {
		t.Error("expected error for array payload")
	}
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		persisted, rejected int
		want                Outcome
	}{
		{1, 0, OutcomeSuccess},
		{3, 1, OutcomePartialFailure},
		{0, 2, OutcomeFailure},
	}
	for _, tt := range tests {
		if got := OutcomeOf(tt.persisted, tt.rejected); got != tt.want {
			t.Errorf("OutcomeOf(%d, %d) = %v, want %v", tt.persisted, tt.rejected, got, tt.want)
		}
	}
}

func TestOutcome_TextRoundTrip(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomePartialFailure, OutcomeFailure} {
		text, err := o.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", o, err)
		}
		var back Outcome
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshal %s: %v", text, err)
		}
		if back != o {
			t.Errorf("round trip %v -> %v", o, back)
		}
	}
	var o Outcome
	if err := o.UnmarshalText([]byte("Maybe")); err == nil {
		t.Error("expected error for unknown outcome")
	}
}

func TestFlowState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to FlowState
		want     bool
	}{
		{FlowStateUnknown, FlowStateTicketIssued, true},
		{FlowStateTicketIssued, FlowStateUploaded, true},
		{FlowStateUnknown, FlowStateUploaded, true},
		{FlowStateUploaded, FlowStateParsing, true},
		{FlowStateParsing, FlowStateEnqueuing, true},
		{FlowStateEnqueuing, FlowStateDraining, true},
		{FlowStateDraining, FlowStateNotified, true},
		{FlowStateNotified, FlowStateUploaded, true},
		{FlowStateTicketIssued, FlowStateAbandoned, true},
		{FlowStateParsing, FlowStateAbandoned, true},
		{FlowStateNotified, FlowStateAbandoned, false},
		{FlowStateTicketIssued, FlowStateParsing, false},
		{FlowStateUploaded, FlowStateNotified, false},
		{FlowStateEnqueuing, FlowStateUploaded, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%v -> %v = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFlow_Settled(t *testing.T) {
	flow := &Flow{Enqueued: 2, Persisted: 2}
	if flow.Settled() {
		t.Error("flow should not settle before parsing is done")
	}
	flow.ParseDone = true
	if !flow.Settled() {
		t.Error("flow should settle once all enqueued records persisted")
	}
	flow.Enqueued = 3
	if flow.Settled() {
		t.Error("flow should not settle with outstanding records")
	}
	flow.Rejected = 1
	if !flow.Settled() {
		t.Error("rejected records count as drained")
	}
}
