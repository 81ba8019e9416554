package activity

import (
	"testing"
	"time"
)

func TestRecentOrderAndCap(t *testing.T) {
	log := NewLog(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		log.Record(Event{Kind: KindPull, Name: "img", Time: base.Add(time.Duration(i) * time.Second)})
	}
	recent := log.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
	// Newest (i=4) first.
	if !recent[0].Time.Equal(base.Add(4 * time.Second)) {
		t.Errorf("recent[0].Time = %v, want i=4", recent[0].Time)
	}
	if !recent[2].Time.Equal(base.Add(2 * time.Second)) {
		t.Errorf("recent[2].Time = %v, want i=2", recent[2].Time)
	}
}

func TestRecentBeforeFull(t *testing.T) {
	log := NewLog(5)
	log.Record(Event{Kind: KindPush, Name: "a"})
	log.Record(Event{Kind: KindPush, Name: "b"})
	recent := log.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].Name != "b" || recent[1].Name != "a" {
		t.Errorf("recent = %+v, want [b, a]", recent)
	}
}
