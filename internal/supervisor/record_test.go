package supervisor

import (
	"testing"
	"time"
)

func TestCanWorkerTransition(t *testing.T) {
	tests := []struct {
		name string
		from WorkerState
		to   WorkerState
		want bool
	}{
		{"starting to idle", WorkerStarting, WorkerIdle, true},
		{"starting to dead", WorkerStarting, WorkerDead, true},
		{"idle to busy", WorkerIdle, WorkerBusy, true},
		{"idle to dead", WorkerIdle, WorkerDead, true},
		{"busy to idle", WorkerBusy, WorkerIdle, true},
		{"busy to timeout", WorkerBusy, WorkerTimeout, true},
		{"timeout to dead", WorkerTimeout, WorkerDead, true},
		{"starting skips idle", WorkerStarting, WorkerBusy, false},
		{"idle to timeout", WorkerIdle, WorkerTimeout, false},
		{"timeout recovers", WorkerTimeout, WorkerIdle, false},
		{"dead is terminal", WorkerDead, WorkerIdle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanWorkerTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanWorkerTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRecordSetStateIgnoresInvalid(t *testing.T) {
	rec := &WorkerRecord{ID: "wkr_1", State: WorkerStarting}

	if !rec.setState(WorkerIdle) {
		t.Fatal("starting -> idle should be accepted")
	}
	if rec.setState(WorkerTimeout) {
		t.Error("idle -> timeout should be rejected")
	}
	if rec.State != WorkerIdle {
		t.Errorf("state changed on a rejected transition: %s", rec.State)
	}

	if !rec.setState(WorkerBusy) || !rec.setState(WorkerTimeout) || !rec.setState(WorkerDead) {
		t.Fatal("busy -> timeout -> dead should be accepted")
	}
	if rec.setState(WorkerIdle) {
		t.Error("dead record accepted a transition")
	}
	if rec.live() {
		t.Error("dead record reported live")
	}
}

func TestRecordStatus(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	beat := started.Add(3 * time.Second)
	rec := &WorkerRecord{
		ID:             "wkr_abc1",
		Slot:           2,
		Generation:     3,
		State:          WorkerBusy,
		RequestsServed: 41,
		LastHeartbeat:  beat,
		StartedAt:      started,
	}

	st := rec.status()
	if st.ID != "wkr_abc1" || st.Slot != 2 || st.Generation != 3 {
		t.Errorf("identity mismatch: %+v", st)
	}
	if st.State != "busy" {
		t.Errorf("State = %q, want busy", st.State)
	}
	if st.RequestsServed != 41 {
		t.Errorf("RequestsServed = %d, want 41", st.RequestsServed)
	}
	if !st.LastHeartbeat.Equal(beat) || !st.StartedAt.Equal(started) {
		t.Errorf("timestamps mismatch: %+v", st)
	}
}
