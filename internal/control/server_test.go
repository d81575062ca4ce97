package control_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
	"github.com/bmwcarit/ramses-connsys/internal/control"
)

type fakeSnapshotter struct {
	summaries []connsys.ParticipantSummary
}

func (f fakeSnapshotter) Snapshot() []connsys.ParticipantSummary {
	return f.summaries
}

func newTestServer(t *testing.T, summaries []connsys.ParticipantSummary) *httptest.Server {
	t.Helper()
	handler := control.New(fakeSnapshotter{summaries: summaries}, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body[status] = %q, want %q", body["status"], "ok")
	}
}

func TestHandleListParticipantsNoFilter(t *testing.T) {
	t.Parallel()

	pid1, pid2 := connsys.NewPID(), connsys.NewPID()
	srv := newTestServer(t, []connsys.ParticipantSummary{
		{PID: pid1, IID: 1, Engine: "ir", Connected: true},
		{PID: pid2, IID: 2, Engine: "legacy", Connected: false},
	})

	resp, err := http.Get(srv.URL + "/v1/participants")
	if err != nil {
		t.Fatalf("GET /v1/participants: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Participants []control.Participant `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Participants) != 2 {
		t.Fatalf("len(participants) = %d, want 2", len(body.Participants))
	}
}

func TestHandleListParticipantsFilteredByIID(t *testing.T) {
	t.Parallel()

	pid1, pid2 := connsys.NewPID(), connsys.NewPID()
	srv := newTestServer(t, []connsys.ParticipantSummary{
		{PID: pid1, IID: 1, Engine: "ir"},
		{PID: pid2, IID: 2, Engine: "legacy"},
	})

	resp, err := http.Get(srv.URL + "/v1/participants?iid=2")
	if err != nil {
		t.Fatalf("GET /v1/participants?iid=2: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Participants []control.Participant `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Participants) != 1 {
		t.Fatalf("len(participants) = %d, want 1", len(body.Participants))
	}
	if body.Participants[0].PID != pid2.String() {
		t.Errorf("participants[0].PID = %q, want %q", body.Participants[0].PID, pid2.String())
	}
}

func TestHandleListParticipantsInvalidIID(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/participants?iid=not-a-number")
	if err != nil {
		t.Fatalf("GET /v1/participants: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandleGetParticipantFound(t *testing.T) {
	t.Parallel()

	pid := connsys.NewPID()
	srv := newTestServer(t, []connsys.ParticipantSummary{
		{PID: pid, IID: 7, Engine: "ir", State: "up"},
	})

	resp, err := http.Get(srv.URL + "/v1/participants/" + pid.String())
	if err != nil {
		t.Fatalf("GET /v1/participants/%s: %v", pid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var got control.Participant
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.PID != pid.String() || got.State != "up" {
		t.Errorf("got %+v, want pid=%s state=up", got, pid)
	}
}

func TestHandleGetParticipantNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/participants/" + connsys.NewPID().String())
	if err != nil {
		t.Fatalf("GET /v1/participants/...: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
