package health

import (
	"sync"
	"testing"
)

func TestReportStatus(t *testing.T) {
	tests := []struct {
		name    string
		updates map[string]Status
		want    Status
	}{
		{name: "empty", want: Unknown},
		{
			name:    "all healthy",
			updates: map[string]Status{ComponentSocket: Healthy, ComponentArchive: Healthy},
			want:    Healthy,
		},
		{
			name:    "socket reconnecting",
			updates: map[string]Status{ComponentSocket: Degraded, ComponentRecorder: Healthy},
			want:    Degraded,
		},
		{
			name:    "listener down beats degraded socket",
			updates: map[string]Status{ComponentSocket: Degraded, ComponentListener: Unhealthy},
			want:    Unhealthy,
		},
		{
			name:    "unknown ranks worst",
			updates: map[string]Status{ComponentListener: Unhealthy, ComponentArchive: Unknown},
			want:    Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for name, status := range tt.updates {
				m.Update(name, status, "")
			}
			r := m.Report()
			if r.Status != tt.want {
				t.Fatalf("Report().Status = %q, want %q", r.Status, tt.want)
			}
			if len(r.Checks) != len(tt.updates) {
				t.Fatalf("len(Checks) = %d, want %d", len(r.Checks), len(tt.updates))
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false", s)
		}
	}
	for _, s := range []Status{"", "ok", "recording"} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true", s)
		}
	}
}

func TestUpdateStoresInvalidStatusAsUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentRecorder, Status("crashed"), "ffmpeg exited")

	c, ok := m.Get(ComponentRecorder)
	if !ok {
		t.Fatal("recorder check missing")
	}
	if c.Status != Unhealthy {
		t.Fatalf("Status = %q, want %q", c.Status, Unhealthy)
	}
	if c.Message != "ffmpeg exited" {
		t.Fatalf("Message = %q", c.Message)
	}
}

func TestUpdateReplacesPreviousCheck(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentSocket, Degraded, "reconnecting")
	m.Update(ComponentSocket, Healthy, "")

	c, _ := m.Get(ComponentSocket)
	if c.Status != Healthy || c.Message != "" {
		t.Fatalf("check = %+v, want healthy with no message", c)
	}
	if got := len(m.Report().Checks); got != 1 {
		t.Fatalf("len(Checks) = %d, want 1", got)
	}
}

func TestGetMissing(t *testing.T) {
	if _, ok := NewMonitor().Get(ComponentArchive); ok {
		t.Fatal("Get on empty monitor returned ok")
	}
}

func TestReportIsSortedByName(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentSocket, Degraded, "reconnecting")
	m.Update(ComponentArchive, Healthy, "")
	m.Update(ComponentRecorder, Healthy, "")

	want := []string{ComponentArchive, ComponentRecorder, ComponentSocket}
	for i, c := range m.Report().Checks {
		if c.Name != want[i] {
			t.Fatalf("Checks[%d] = %q, want %q", i, c.Name, want[i])
		}
	}
}

func TestReportIsConsistentUnderConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentSocket, Healthy, "")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update(ComponentSocket, Degraded, "reconnecting")
			} else {
				m.Update(ComponentSocket, Healthy, "")
			}
		}(i)
		go func() {
			defer wg.Done()
			r := m.Report()
			// one component: the overall status is that component's
			if len(r.Checks) != 1 || r.Status != r.Checks[0].Status {
				t.Errorf("inconsistent report: %+v", r)
			}
		}()
	}
	wg.Wait()
}
