package control_test

import (
	"context"
	"testing"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
	"github.com/bmwcarit/ramses-connsys/internal/control"
)

func TestClientListParticipants(t *testing.T) {
	t.Parallel()

	pid := connsys.NewPID()
	srv := newTestServer(t, []connsys.ParticipantSummary{
		{PID: pid, IID: 3, Engine: "ir", Connected: true},
	})

	c := control.NewClient(srv.URL)
	got, err := c.ListParticipants(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListParticipants() error: %v", err)
	}
	if len(got) != 1 || got[0].PID != pid.String() {
		t.Errorf("ListParticipants() = %+v, want one entry for pid %s", got, pid)
	}
}

func TestClientGetParticipantNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c := control.NewClient(srv.URL)

	_, err := c.GetParticipant(context.Background(), connsys.NewPID().String())
	if err == nil {
		t.Fatal("GetParticipant() error = nil, want not-found error")
	}
}

func TestClientHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c := control.NewClient(srv.URL)

	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() error: %v", err)
	}
}
