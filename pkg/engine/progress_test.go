package engine

import (
	"testing"
	"time"
)

func TestProgressReporterThrottles(t *testing.T) {
	sink := &recordingSink{}
	rep := NewProgressReporter(sink, time.Hour, 4)

	for i := 0; i < 100; i++ {
		rep.Report(Progress{Completed: i, Total: 100, Phase: PhaseChecking})
	}
	for i := 0; i < 10; i++ {
		rep.Report(Progress{Completed: i, Total: 10, Phase: PhaseDownloading})
	}
	rep.Close()

	want := []Progress{
		{Completed: 0, Total: 100, Phase: PhaseChecking},
		{Completed: 99, Total: 100, Phase: PhaseChecking},
		{Completed: 0, Total: 10, Phase: PhaseDownloading},
		{Completed: 9, Total: 10, Phase: PhaseDownloading},
	}
	got := sink.all()
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("update %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestProgressReporterUnthrottled(t *testing.T) {
	sink := &recordingSink{}
	rep := NewProgressReporter(sink, 0, 64)
	for i := 0; i < 20; i++ {
		rep.Report(Progress{Completed: i, Total: 20, Phase: PhaseDownloading})
	}
	rep.Close()

	if got := len(sink.all()); got != 20 {
		t.Errorf("delivered %d updates, want 20", got)
	}
}

func TestProgressReporterNilSinkAndDoubleClose(t *testing.T) {
	rep := NewProgressReporter(nil, time.Millisecond, 1)
	for i := 0; i < 10; i++ {
		rep.Report(Progress{Completed: i, Total: 10, Phase: PhaseCommitting})
	}
	rep.Close()
	rep.Close()
}

func TestProgressFunc(t *testing.T) {
	var got Progress
	var sink ProgressSink = ProgressFunc(func(p Progress) { got = p })
	sink.Update(Progress{Completed: 1, Total: 2, Phase: PhaseCommitting})
	if got.Completed != 1 || got.Phase != PhaseCommitting {
		t.Errorf("got %+v", got)
	}
	if PhaseDownloading.String() != "downloading" {
		t.Errorf("phase name = %q", PhaseDownloading.String())
	}
}
