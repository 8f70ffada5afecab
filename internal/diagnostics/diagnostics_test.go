package diagnostics

import "testing"

func TestCountersAccumulate(t *testing.T) {
	d := New()
	d.IncHeartbeatReceived()
	d.IncHeartbeatReceived()
	d.IncHeartbeatRelayed()
	d.IncInvalidPoW()
	d.IncDuplicateSeq()
	d.IncInvalidSig()
	d.IncNewPeerAdded()
	d.IncLeaveMessage()
	d.AddBytesReceived(128)
	d.AddBytesRelayed(64)

	snap := d.Snapshot()
	if snap.HeartbeatsReceived != 2 {
		t.Fatalf("expected heartbeats_received=2, got %d", snap.HeartbeatsReceived)
	}
	if snap.HeartbeatsRelayed != 1 || snap.InvalidPoW != 1 || snap.DuplicateSeq != 1 || snap.InvalidSig != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.NewPeersAdded != 1 || snap.LeaveMessages != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.BytesReceived != 128 || snap.BytesRelayed != 64 {
		t.Fatalf("unexpected byte counters: %+v", snap)
	}
}

func TestResetWindowZeroesCounters(t *testing.T) {
	d := New()
	d.IncHeartbeatReceived()
	d.IncHeartbeatReceived()
	d.IncHeartbeatReceived()

	first := d.ResetWindow()
	if first.HeartbeatsReceived != 3 {
		t.Fatalf("expected first window=3, got %d", first.HeartbeatsReceived)
	}
	second := d.Snapshot()
	if second.HeartbeatsReceived != 0 {
		t.Fatalf("expected counters reset to 0, got %d", second.HeartbeatsReceived)
	}
}
