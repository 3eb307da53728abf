package panel

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tabrelay/agent/internal/config"
	"github.com/tabrelay/agent/internal/control"
	"github.com/tabrelay/agent/internal/health"
	"github.com/tabrelay/agent/internal/messaging"
	"github.com/tabrelay/agent/internal/tabs"
)

func TestLoadedView(t *testing.T) {
	tests := []struct {
		name  string
		reply messaging.Reply
		err   error
		want  View
	}{
		{"idle", messaging.Reply{}, nil, View{Button: "Start Capture", Class: ClassStart, Status: "Ready"}},
		{"capturing", messaging.Reply{Capturing: true}, nil, View{Button: "Stop Capture", Class: ClassStop, Status: "Recording..."}},
		{"transport error", messaging.Reply{}, errors.New("connection refused"), View{Button: "Start Capture", Class: ClassStart, Status: "Error getting status"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Initial().Loaded(tt.reply, tt.err); got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestToggledView(t *testing.T) {
	recording := View{Button: "Stop Capture", Class: ClassStop, Status: "Recording..."}

	pending := recording.Pending()
	if !pending.Disabled || pending.Status != "Processing..." {
		t.Fatalf("pending = %+v", pending)
	}

	stopped := pending.Toggled(messaging.Reply{Capturing: false}, nil)
	want := View{Button: "Start Capture", Class: ClassStart, Status: "Recording saved!"}
	if stopped != want {
		t.Fatalf("stopped = %+v, want %+v", stopped, want)
	}

	started := Initial().Pending().Toggled(messaging.Reply{Capturing: true}, nil)
	if started.Button != "Stop Capture" || started.Class != ClassStop || started.Status != "Recording..." || started.Disabled {
		t.Fatalf("started = %+v", started)
	}

	failed := Initial().Pending().Toggled(messaging.Reply{Error: "No active tab found."}, nil)
	if failed.Status != "Error: No active tab found." || failed.Disabled || failed.Button != "Start Capture" {
		t.Fatalf("failed = %+v", failed)
	}

	lost := recording.Pending().Toggled(messaging.Reply{}, errors.New("connection refused"))
	if lost.Status != "Error: connection refused" || lost.Button != "Stop Capture" {
		t.Fatalf("transport failure should keep the button: %+v", lost)
	}
}

func TestRenderShowsLabels(t *testing.T) {
	out := Render(View{Button: "Stop Capture", Class: ClassStop, Status: "Recording..."})
	if !strings.Contains(out, "Stop Capture") || !strings.Contains(out, "Recording...") {
		t.Fatalf("render missing labels:\n%s", out)
	}
}

type fakeBackend struct {
	capturing bool
	toggles   int
}

func (f *fakeBackend) Status(context.Context) (messaging.Reply, error) {
	return messaging.Reply{Capturing: f.capturing}, nil
}

func (f *fakeBackend) Toggle(context.Context) (messaging.Reply, error) {
	f.toggles++
	f.capturing = !f.capturing
	return messaging.Reply{Capturing: f.capturing}, nil
}

func TestModelToggleFlow(t *testing.T) {
	b := &fakeBackend{}
	var m tea.Model = NewModel(context.Background(), b)

	m, _ = m.Update(m.Init()())
	if got := m.(Model).Current(); got.Status != "Ready" {
		t.Fatalf("after load: %+v", got)
	}

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if !m.(Model).Current().Disabled || cmd == nil {
		t.Fatal("toggle should disable the button and issue a request")
	}

	// a second press while pending is ignored
	m2, cmd2 := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd2 != nil {
		t.Fatal("press while disabled should be ignored")
	}

	m, _ = m2.Update(cmd())
	got := m.(Model).Current()
	if got.Status != "Recording..." || got.Button != "Stop Capture" || got.Disabled {
		t.Fatalf("after toggle: %+v", got)
	}
	if b.toggles != 1 {
		t.Fatalf("toggles = %d, want 1", b.toggles)
	}
}

func TestClientAgainstControlServer(t *testing.T) {
	bus := messaging.NewBus(4)
	defer bus.Close()
	bus.AddListener("coordinator", func(_ context.Context, m messaging.Message) (messaging.Reply, bool) {
		if m.Action == messaging.ActionToggleCapture {
			return messaging.Reply{Capturing: false, Error: "No active tab found."}, true
		}
		return messaging.Reply{}, m.Action == messaging.ActionGetStatus
	})
	reg := tabs.NewRegistry([]config.TabConfig{{ID: "a", Device: "x"}, {ID: "b", Device: "y"}}, "")
	srv := httptest.NewServer(control.NewServer(bus, reg, health.NewMonitor()).Handler())
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	if reply, err := c.Status(ctx); err != nil || reply.Capturing {
		t.Fatalf("Status = %+v, %v", reply, err)
	}
	reply, err := c.Toggle(ctx)
	if err != nil || reply.Error != "No active tab found." {
		t.Fatalf("Toggle = %+v, %v", reply, err)
	}
	list, err := c.SetActiveTab(ctx, "b")
	if err != nil || len(list) != 2 || !list[1].Active {
		t.Fatalf("SetActiveTab = %+v, %v", list, err)
	}
	if _, err := c.SetActiveTab(ctx, "zzz"); err == nil || !strings.Contains(err.Error(), "unknown tab") {
		t.Fatalf("unknown tab err = %v", err)
	}
	report, err := c.Health(ctx)
	if err != nil || report.Status != health.Unknown {
		t.Fatalf("Health = %+v, %v", report, err)
	}
}
