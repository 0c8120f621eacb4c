package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestStartContainerSuccess(t *testing.T) {
	eng := newFakeEngine("created", "running")
	m, alloc := newTestManager(eng, 4096, Config{})
	inst, err := m.StartContainer(context.Background(), testTemplate("whisper-tiny", 512))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.State != StateRunning || inst.ContainerID == "" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if got := alloc.Utilization().AllocatedMB; got != 512 {
		t.Fatalf("expected 512 MB allocated, got %d", got)
	}
	if eng.pulls != 1 {
		t.Fatalf("expected the missing image to be pulled, pulls=%d", eng.pulls)
	}
	if !m.Running("whisper-tiny") {
		t.Fatalf("Running should report true")
	}
}

func TestStartContainerIdempotent(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{})
	first, err := m.StartContainer(context.Background(), testTemplate("m", 256))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := m.StartContainer(context.Background(), testTemplate("m", 256))
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if eng.runCount() != 1 {
		t.Fatalf("expected exactly one engine run, got %d", eng.runCount())
	}
	if first.ContainerID != second.ContainerID {
		t.Fatalf("second call should observe the same instance")
	}
}

func TestStartContainerConcurrentSingleStart(t *testing.T) {
	eng := newFakeEngine("created", "created", "running")
	m, _ := newTestManager(eng, 4096, Config{})
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := m.StartContainer(context.Background(), testTemplate("m", 256))
			errs[i] = err
			if inst != nil {
				ids[i] = inst.ContainerID
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("callers observed different instances: %v", ids)
		}
	}
	if eng.runCount() != 1 {
		t.Fatalf("expected exactly one engine run, got %d", eng.runCount())
	}
}

func TestStartContainerExitedReleasesGPU(t *testing.T) {
	eng := newFakeEngine("exited")
	m, alloc := newTestManager(eng, 4096, Config{})
	before := alloc.Utilization().AllocatedMB
	inst, err := m.StartContainer(context.Background(), testTemplate("m", 512))
	if inst != nil || !IsStartupFailed(err) {
		t.Fatalf("expected startup failure, got inst=%v err=%v", inst, err)
	}
	if got := alloc.Utilization().AllocatedMB; got != before {
		t.Fatalf("allocation leaked: %d -> %d", before, got)
	}
	if len(eng.removes) != 1 {
		t.Fatalf("dead container should be removed, removes=%v", eng.removes)
	}
	if m.Running("m") {
		t.Fatalf("no instance should remain")
	}
}

func TestStartContainerReadinessTimeout(t *testing.T) {
	eng := newFakeEngine("created")
	m, alloc := newTestManager(eng, 4096, Config{StartupTimeout: 10 * time.Millisecond, PollInterval: time.Millisecond})
	inst, err := m.StartContainer(context.Background(), testTemplate("m", 512))
	if inst != nil || !IsStartupFailed(err) {
		t.Fatalf("expected timeout failure, got inst=%v err=%v", inst, err)
	}
	if got := alloc.Utilization().AllocatedMB; got != 0 {
		t.Fatalf("allocation leaked: %d", got)
	}
	if len(eng.stops) != 1 {
		t.Fatalf("stuck container should be stopped, stops=%v", eng.stops)
	}
}

func TestStartContainerInsufficientResources(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 1024, Config{})
	_, err := m.StartContainer(context.Background(), testTemplate("m", 2048))
	if !IsInsufficientResources(err) {
		t.Fatalf("expected InsufficientResources, got %v", err)
	}
	if eng.runCount() != 0 {
		t.Fatalf("engine must not be touched on budget rejection")
	}
}

func TestStartContainerMaxContainers(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{MaxContainers: 1})
	if _, err := m.StartContainer(context.Background(), testTemplate("a", 256)); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := m.StartContainer(context.Background(), testTemplate("b", 256))
	if !IsStartupFailed(err) {
		t.Fatalf("expected admission failure, got %v", err)
	}
}

func TestPullPolicyNever(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{PullPolicy: "never"})
	_, err := m.StartContainer(context.Background(), testTemplate("m", 256))
	if !IsStartupFailed(err) {
		t.Fatalf("expected pull failure with policy never, got %v", err)
	}
	eng.images["acme/m:latest"] = true
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 256)); err != nil {
		t.Fatalf("start with present image: %v", err)
	}
	if eng.pulls != 0 {
		t.Fatalf("policy never must not pull, pulls=%d", eng.pulls)
	}
}

func TestPullPolicyAlways(t *testing.T) {
	eng := newFakeEngine()
	eng.images["acme/m:latest"] = true
	m, _ := newTestManager(eng, 4096, Config{PullPolicy: "always"})
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if eng.pulls != 1 {
		t.Fatalf("policy always must pull, pulls=%d", eng.pulls)
	}
}

func TestStopContainer(t *testing.T) {
	eng := newFakeEngine()
	m, alloc := newTestManager(eng, 4096, Config{})
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 512)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.StopContainer(context.Background(), "m") {
		t.Fatalf("stop should succeed")
	}
	if got := alloc.Utilization().AllocatedMB; got != 0 {
		t.Fatalf("allocation not released: %d", got)
	}
	if len(eng.stops) != 1 || len(eng.removes) != 1 {
		t.Fatalf("engine stop/remove not called: stops=%v removes=%v", eng.stops, eng.removes)
	}
	if m.StopContainer(context.Background(), "m") {
		t.Fatalf("second stop must return false")
	}
}

func TestStartWaitsForInFlightStop(t *testing.T) {
	eng := newFakeEngine()
	m, alloc := newTestManager(eng, 4096, Config{})
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	eng.stallStop = make(chan struct{})
	stopRet := make(chan bool, 1)
	go func() { stopRet <- m.StopContainer(context.Background(), "m") }()

	// Wait until the stop holds the engine call in STOPPING.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var st string
		for _, inst := range m.Summary().Instances {
			if inst.ModelID == "m" {
				st = inst.State
			}
		}
		if st == string(StateStopping) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stop never reached STOPPING, state=%q", st)
		}
		time.Sleep(time.Millisecond)
	}

	startRet := make(chan error, 1)
	go func() {
		_, err := m.StartContainer(context.Background(), testTemplate("m", 256))
		startRet <- err
	}()
	select {
	case err := <-startRet:
		t.Fatalf("start must wait for the in-flight stop, returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(eng.stallStop)
	if !<-stopRet {
		t.Fatalf("stop should succeed")
	}
	if err := <-startRet; err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	if !m.Running("m") {
		t.Fatalf("model should be running again")
	}
	if got := alloc.Utilization().AllocatedMB; got != 256 {
		t.Fatalf("expected 256 MB allocated after restart, got %d", got)
	}
	if eng.runCount() != 2 {
		t.Fatalf("expected a fresh engine run, got %d", eng.runCount())
	}
}

func TestTouchActivity(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{})
	if m.TouchActivity("m") {
		t.Fatalf("touch before start must return false")
	}
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.TouchActivity("m") {
		t.Fatalf("touch should succeed")
	}
}

func TestSweepBoundary(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{InactivityTimeout: 300 * time.Second})
	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.StartContainer(context.Background(), testTemplate("old", 256)); err != nil {
		t.Fatalf("start old: %v", err)
	}
	m.now = func() time.Time { return base.Add(2 * time.Second) }
	if _, err := m.StartContainer(context.Background(), testTemplate("fresh", 256)); err != nil {
		t.Fatalf("start fresh: %v", err)
	}
	// old is 301s idle, fresh is 299s idle.
	m.now = func() time.Time { return base.Add(301 * time.Second) }
	if n := m.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 stopped, got %d", n)
	}
	if m.Running("old") {
		t.Fatalf("old should be stopped")
	}
	if !m.Running("fresh") {
		t.Fatalf("fresh must not be touched")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	eng := newFakeEngine()
	m, alloc := newTestManager(eng, 4096, Config{SweepInterval: 10 * time.Millisecond})
	m.Start()
	m.Start() // idempotent
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		m.Stop(context.Background())
		m.Stop(context.Background()) // safe twice
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return; sweep task not cancelled")
	}
	if got := alloc.Utilization().AllocatedMB; got != 0 {
		t.Fatalf("shutdown should release all allocations, got %d", got)
	}
}

func TestLogsAndStatsBestEffort(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{})
	if got := m.Logs(context.Background(), "m", 10); got != "" {
		t.Fatalf("logs for unknown model should be empty, got %q", got)
	}
	if got := m.Stats(context.Background(), "m"); got != nil {
		t.Fatalf("stats for unknown model should be nil, got %v", got)
	}
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := m.Logs(context.Background(), "m", 10); got == "" {
		t.Fatalf("expected log output")
	}
	if got := m.Stats(context.Background(), "m"); got == nil {
		t.Fatalf("expected stats")
	}
}

func TestSummaryCounts(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{})
	if _, err := m.StartContainer(context.Background(), testTemplate("a", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.StartContainer(context.Background(), testTemplate("b", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	s := m.Summary()
	if s.Total != 2 || s.Running != 2 || s.Starting != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestEventsPublished(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestManager(eng, 4096, Config{})
	pub := NewMemoryPublisher()
	m.SetPublisher(pub)
	if _, err := m.StartContainer(context.Background(), testTemplate("m", 256)); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.StopContainer(context.Background(), "m")
	names := map[string]bool{}
	for _, e := range pub.Events() {
		names[e.Name] = true
	}
	for _, want := range []string{"start_begin", "start_ready", "stop_done"} {
		if !names[want] {
			t.Fatalf("missing event %q in %v", want, pub.Events())
		}
	}
}
