package lattice

import (
	"testing"
)

func drainEvents(sub *Subscription) []ChangeEvent {
	var events []ChangeEvent
	for {
		select {
		case ev := <-sub.C():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	h := NewHub(DefaultStreamConfig())

	sub := h.Subscribe("db1", EventFilter{})
	if sub.ID == "" {
		t.Error("expected subscription id")
	}
	if h.Count() != 1 || h.CountDB("db1") != 1 {
		t.Errorf("count=%d countDB=%d, want 1/1", h.Count(), h.CountDB("db1"))
	}

	h.Unsubscribe(sub.ID)
	if h.Count() != 0 {
		t.Errorf("count = %d, want 0", h.Count())
	}
	h.Unsubscribe(sub.ID) // no-op

	select {
	case <-sub.Done():
	default:
		t.Error("Done should be closed after unsubscribe")
	}
}

func TestHub_DatabaseIsolation(t *testing.T) {
	h := NewHub(DefaultStreamConfig())

	sub1 := h.Subscribe("db1", EventFilter{})
	sub2 := h.Subscribe("db2", EventFilter{})

	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindPoint, Series: "cpu", PointID: "p1"})

	if got := drainEvents(sub1); len(got) != 1 {
		t.Errorf("db1 subscriber got %d events, want 1", len(got))
	}
	if got := drainEvents(sub2); len(got) != 0 {
		t.Errorf("db2 subscriber got %d events, want 0", len(got))
	}
}

func TestHub_SeriesFilter(t *testing.T) {
	h := NewHub(DefaultStreamConfig())

	filtered := h.Subscribe("db1", EventFilter{Series: "sensor_001"})
	unfiltered := h.Subscribe("db1", EventFilter{})

	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindPoint, Series: "sensor_001", PointID: "p1"})
	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindPoint, Series: "sensor_002", PointID: "p2"})
	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindFeature, FeatureID: "f1",
		BBox: &BoundingBox{MaxX: 1, MaxY: 1}})

	got := drainEvents(filtered)
	for _, ev := range got {
		if ev.Kind == RecordKindPoint && ev.Series != "sensor_001" {
			t.Errorf("filtered subscription received series %q", ev.Series)
		}
	}
	// Series filters do not apply to feature events: p1 and f1 pass.
	if len(got) != 2 {
		t.Errorf("filtered subscriber got %d events, want 2", len(got))
	}

	if got := drainEvents(unfiltered); len(got) != 3 {
		t.Errorf("unfiltered subscriber got %d events, want 3", len(got))
	}
}

func TestHub_KindFilter(t *testing.T) {
	h := NewHub(DefaultStreamConfig())

	features := h.Subscribe("db1", EventFilter{Kind: RecordKindFeature})

	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindPoint, Series: "cpu", PointID: "p1"})
	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindFeature, FeatureID: "f1",
		BBox: &BoundingBox{MaxX: 1, MaxY: 1}})

	got := drainEvents(features)
	if len(got) != 1 || got[0].Kind != RecordKindFeature {
		t.Errorf("kind filter failed: %v", got)
	}
}

func TestHub_BBoxFilter(t *testing.T) {
	h := NewHub(DefaultStreamConfig())

	area := h.Subscribe("db1", EventFilter{BBox: &BoundingBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}})

	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindFeature, FeatureID: "inside",
		BBox: &BoundingBox{MinX: 5, MinY: 5, MaxX: 6, MaxY: 6}})
	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindFeature, FeatureID: "outside",
		BBox: &BoundingBox{MinX: 20, MinY: 20, MaxX: 21, MaxY: 21}})
	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindFeature, FeatureID: "touching",
		BBox: &BoundingBox{MinX: 10, MinY: 10, MaxX: 12, MaxY: 12}})
	// BBox filters do not apply to point events.
	h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindPoint, Series: "cpu", PointID: "p1"})

	got := drainEvents(area)
	ids := make(map[string]bool)
	for _, ev := range got {
		if ev.Kind == RecordKindFeature {
			ids[ev.FeatureID] = true
		}
	}
	if !ids["inside"] || !ids["touching"] || ids["outside"] {
		t.Errorf("bbox filter mismatch: %v", ids)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestHub_PublishAfterSubscriberClose(t *testing.T) {
	h := NewHub(DefaultStreamConfig())

	sub := h.Subscribe("db1", EventFilter{})
	other := h.Subscribe("db1", EventFilter{})
	sub.Close()
	sub.Close() // idempotent

	// A subscriber that closed itself without unsubscribing stays registered;
	// publishing must neither panic nor deliver to it.
	for i := 0; i < 100; i++ {
		h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindPoint, Series: "cpu"})
	}

	if got := drainEvents(sub); len(got) != 0 {
		t.Errorf("closed subscription received %d events", len(got))
	}
	if got := drainEvents(other); len(got) != 100 {
		t.Errorf("live subscription got %d events, want 100", len(got))
	}

	h.Unsubscribe(sub.ID)
	h.Unsubscribe(other.ID)
	if h.Count() != 0 {
		t.Errorf("count = %d, want 0", h.Count())
	}
}

func TestHub_FullBufferDropsEvents(t *testing.T) {
	h := NewHub(StreamConfig{BufferSize: 2})

	sub := h.Subscribe("db1", EventFilter{})
	for i := 0; i < 5; i++ {
		h.Publish(ChangeEvent{Database: "db1", Kind: RecordKindPoint, Series: "cpu"})
	}

	if got := drainEvents(sub); len(got) != 2 {
		t.Errorf("got %d events, want 2 (rest dropped)", len(got))
	}
}

func TestHub_List(t *testing.T) {
	h := NewHub(DefaultStreamConfig())
	a := h.Subscribe("db1", EventFilter{})
	b := h.Subscribe("db2", EventFilter{})

	ids := h.List()
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[a.ID] || !found[b.ID] {
		t.Error("missing subscription id in List")
	}
}
