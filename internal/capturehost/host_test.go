package capturehost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tabrelay/agent/internal/blobstore"
	"github.com/tabrelay/agent/internal/config"
	"github.com/tabrelay/agent/internal/media"
	"github.com/tabrelay/agent/internal/messaging"
	"github.com/tabrelay/agent/internal/tabs"
)

type fakeRecorder struct {
	mu        sync.Mutex
	state     media.RecorderState
	timeslice time.Duration
	startErr  error
	onData    func([]byte)
	onStop    func()
	onError   func(error)
}

func (r *fakeRecorder) Start(ts time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.state = media.StateRecording
	r.timeslice = ts
	return nil
}

// Stop finishes asynchronously like a real recorder.
func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	r.state = media.StateInactive
	fn := r.onStop
	r.mu.Unlock()
	go fn()
	return nil
}

func (r *fakeRecorder) State() media.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return media.StateInactive
	}
	return r.state
}

func (r *fakeRecorder) OnDataAvailable(fn func([]byte)) { r.onData = fn }
func (r *fakeRecorder) OnStop(fn func())                 { r.onStop = fn }
func (r *fakeRecorder) OnError(fn func(error))           { r.onError = fn }

type fakeSocket struct {
	mu     sync.Mutex
	open   bool
	frames [][]byte
}

func (s *fakeSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSocket) SendBinary(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("not open")
	}
	s.frames = append(s.frames, b)
	return nil
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakePoster struct {
	msgs chan messaging.Message
}

func (p *fakePoster) Post(m messaging.Message) { p.msgs <- m }

type fakeDevices struct {
	err     error
	streams []*media.Stream
}

func (d *fakeDevices) GetUserMedia(_ context.Context, id string) (*media.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	s := media.NewStream(tabs.Tab{ID: "tab-" + id})
	d.streams = append(d.streams, s)
	return s, nil
}

type fixture struct {
	host    *Host
	rec     *fakeRecorder
	socket  *fakeSocket
	poster  *fakePoster
	devices *fakeDevices
	blobs   *blobstore.Store
}

func newFixture(mode string, socketOpen bool) *fixture {
	f := &fixture{
		rec:     &fakeRecorder{},
		socket:  &fakeSocket{open: socketOpen},
		poster:  &fakePoster{msgs: make(chan messaging.Message, 4)},
		devices: &fakeDevices{},
		blobs:   blobstore.New(),
	}
	f.host = NewHost(Deps{
		Devices:     f.devices,
		NewRecorder: func(*media.Stream) (media.Recorder, error) { return f.rec, nil },
		Socket:      f.socket,
		URLs:        f.blobs,
		Poster:      f.poster,
	}, Options{DeliveryMode: mode, RevokeDelay: 50 * time.Millisecond})
	return f
}

func TestStartUsesOneSecondTimeslice(t *testing.T) {
	f := newFixture(config.DeliveryStream, true)
	if err := f.host.StartRecording(context.Background(), "s1"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if f.rec.timeslice != time.Second {
		t.Fatalf("timeslice = %v, want 1s", f.rec.timeslice)
	}
	if !f.host.Recording() {
		t.Fatal("host should be recording")
	}
	if err := f.host.StartRecording(context.Background(), "s2"); !errors.Is(err, ErrRecordingActive) {
		t.Fatalf("second start err = %v, want ErrRecordingActive", err)
	}
}

func TestChunksStreamedWhenSocketOpen(t *testing.T) {
	f := newFixture(config.DeliveryStream, true)
	f.host.StartRecording(context.Background(), "s1")

	f.rec.onData([]byte("one"))
	f.rec.onData(nil)
	f.rec.onData([]byte("two"))

	if f.socket.count() != 2 {
		t.Fatalf("frames = %d, want 2 (empty chunk skipped)", f.socket.count())
	}
	if string(f.socket.frames[0]) != "one" || string(f.socket.frames[1]) != "two" {
		t.Fatalf("frames = %q", f.socket.frames)
	}
}

func TestChunksDroppedWhileSocketClosed(t *testing.T) {
	f := newFixture(config.DeliveryStream, false)
	f.host.StartRecording(context.Background(), "s1")

	f.rec.onData([]byte("lost"))
	f.socket.mu.Lock()
	f.socket.open = true
	f.socket.mu.Unlock()
	f.rec.onData([]byte("kept"))

	if f.socket.count() != 1 || string(f.socket.frames[0]) != "kept" {
		t.Fatalf("frames = %q, want only the chunk sent after reopen", f.socket.frames)
	}
}

func TestStreamModeStopProducesNoDownload(t *testing.T) {
	f := newFixture(config.DeliveryStream, true)
	f.host.StartRecording(context.Background(), "s1")
	f.rec.onData([]byte("chunk"))

	f.host.StopRecording()
	waitIdle(t, f.host)

	select {
	case m := <-f.poster.msgs:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
	if f.devices.streams[0].Active() {
		t.Fatal("tracks not released")
	}
}

func TestBufferModeDownloadsAssembledRecording(t *testing.T) {
	f := newFixture(config.DeliveryBuffer, true)
	f.host.StartRecording(context.Background(), "s1")
	f.rec.onData([]byte("ab"))
	f.rec.onData([]byte("cd"))

	if f.socket.count() != 0 {
		t.Fatal("buffer mode should not stream")
	}

	f.host.StopRecording()
	var msg messaging.Message
	select {
	case msg = <-f.poster.msgs:
	case <-time.After(2 * time.Second):
		t.Fatal("download-recording not posted")
	}
	if msg.Type != messaging.TypeDownloadRecording || !blobstore.IsObjectURL(msg.URL) {
		t.Fatalf("msg = %+v", msg)
	}

	r, mime, err := f.blobs.Open(msg.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 8)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "abcd" || mime != "audio/webm" {
		t.Fatalf("blob = %q %q", buf[:n], mime)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.blobs.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("object url not revoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.devices.streams[0].Active() {
		t.Fatal("tracks not released")
	}
}

func TestBothModeStreamsAndBuffers(t *testing.T) {
	f := newFixture(config.DeliveryBoth, true)
	f.host.StartRecording(context.Background(), "s1")
	f.rec.onData([]byte("x"))
	f.host.StopRecording()

	select {
	case <-f.poster.msgs:
	case <-time.After(2 * time.Second):
		t.Fatal("download-recording not posted")
	}
	if f.socket.count() != 1 {
		t.Fatalf("frames = %d, want 1", f.socket.count())
	}
}

func TestStopWithoutRecorderReleasesTracks(t *testing.T) {
	f := newFixture(config.DeliveryStream, true)
	f.host.StopRecording()

	f.rec.startErr = errors.New("encoder missing")
	err := f.host.StartRecording(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected start error")
	}
	if f.devices.streams[0].Active() {
		t.Fatal("tracks of a failed start must be released")
	}
	f.host.StopRecording()
}

func TestStartFailsWithoutStream(t *testing.T) {
	f := newFixture(config.DeliveryStream, true)
	f.devices.err = tabs.ErrInvalidStream
	if err := f.host.StartRecording(context.Background(), "bad"); !errors.Is(err, tabs.ErrInvalidStream) {
		t.Fatalf("err = %v", err)
	}
	if f.host.Recording() {
		t.Fatal("host recording after failed start")
	}
}

func TestHandleFiltersByTarget(t *testing.T) {
	f := newFixture(config.DeliveryStream, true)

	if _, ok := f.host.Handle(context.Background(), messaging.Message{Type: messaging.TypeStartRecording, Data: "s1"}); ok {
		t.Fatal("untargeted message should not be handled")
	}
	reply, ok := f.host.Handle(context.Background(), messaging.Message{
		Type: messaging.TypeStartRecording, Target: messaging.TargetOffscreen, Data: "s1",
	})
	if !ok || !reply.Capturing {
		t.Fatalf("start reply = %+v, %v", reply, ok)
	}
	_, ok = f.host.Handle(context.Background(), messaging.Message{Type: messaging.TypeStopRecording, Target: messaging.TargetOffscreen})
	if !ok {
		t.Fatal("stop not handled")
	}
	waitIdle(t, f.host)
}

func TestDocumentsLifecycle(t *testing.T) {
	bus := messaging.NewBus(4)
	defer bus.Close()
	f := newFixture(config.DeliveryStream, true)
	docs := NewDocuments(bus, func() *Host { return f.host })
	ctx := context.Background()

	if has, _ := docs.HasDocument(ctx); has {
		t.Fatal("no document expected")
	}
	if err := docs.CloseDocument(ctx); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("close err = %v, want ErrNoDocument", err)
	}
	if err := docs.CreateDocument(ctx); err != nil {
		t.Fatal(err)
	}
	if err := docs.CreateDocument(ctx); !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("second create err = %v, want ErrDocumentExists", err)
	}

	reply, err := bus.Send(ctx, messaging.Message{Type: messaging.TypeStartRecording, Target: messaging.TargetOffscreen, Data: "s1"})
	if err != nil || !reply.Capturing {
		t.Fatalf("start via bus = %+v, %v", reply, err)
	}

	if err := docs.CloseDocument(ctx); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, f.host)
	if _, err := bus.Send(ctx, messaging.Message{Type: messaging.TypeStopRecording, Target: messaging.TargetOffscreen}); !errors.Is(err, messaging.ErrNoReceiver) {
		t.Fatalf("send after close err = %v, want ErrNoReceiver", err)
	}
}

func waitIdle(t *testing.T, h *Host) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		idle := h.recorder == nil
		h.mu.Unlock()
		if idle {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("host did not become idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRestartWaitsForPreviousRecorder(t *testing.T) {
	f := newFixture(config.DeliveryStream, true)
	ctx := context.Background()
	if err := f.host.StartRecording(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	f.host.StopRecording()

	if err := f.host.StartRecording(ctx, "s2"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !f.host.Recording() {
		t.Fatal("host should be recording after restart")
	}
	if len(f.devices.streams) != 2 || f.devices.streams[0].Active() {
		t.Fatal("first stream should be released before the second starts")
	}
}

func TestWaitIdleReturnsAfterStoppedCallback(t *testing.T) {
	f := newFixture(config.DeliveryBuffer, false)
	ctx := context.Background()
	if err := f.host.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle without recorder: %v", err)
	}
	if err := f.host.StartRecording(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	f.rec.onData([]byte("tail"))
	f.host.StopRecording()

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := f.host.WaitIdle(wctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	select {
	case msg := <-f.poster.msgs:
		if msg.Type != messaging.TypeDownloadRecording {
			t.Fatalf("posted %q", msg.Type)
		}
	default:
		t.Fatal("download should be posted before the host is idle")
	}
}
