package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tksa/receptionist/internal/ai"
	"github.com/tksa/receptionist/internal/ari"
	"github.com/tksa/receptionist/internal/dialog"
	"github.com/tksa/receptionist/internal/directory"
	"github.com/tksa/receptionist/internal/notify"
	"github.com/tksa/receptionist/internal/observability"
	"github.com/tksa/receptionist/internal/ttscache"
)

const testGreeting = "Bonjour, vous êtes bien chez Toni Küpfer SA."

type fakeCalls struct {
	mu           sync.Mutex
	answers      []string
	plays        []string
	records      []ari.RecordParams
	origins      []ari.OriginateParams
	hangs        []string
	originateErr error
}

func (f *fakeCalls) Answer(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, channelID)
	return nil
}

func (f *fakeCalls) Play(_ context.Context, _ string, soundRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, soundRef)
	return nil
}

func (f *fakeCalls) Record(_ context.Context, _ string, p ari.RecordParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, p)
	return nil
}

func (f *fakeCalls) Originate(_ context.Context, p ari.OriginateParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.originateErr != nil {
		return "", f.originateErr
	}
	f.origins = append(f.origins, p)
	return "ch-out", nil
}

func (f *fakeCalls) Hangup(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangs = append(f.hangs, channelID)
	return nil
}

func (f *fakeCalls) played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.plays...)
}

func (f *fakeCalls) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeCalls) originated() []ari.OriginateParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ari.OriginateParams(nil), f.origins...)
}

func (f *fakeCalls) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangs)
}

func (f *fakeCalls) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

// fakeAudio resolves every phrase to a fingerprint-named path, so the media
// reference a test expects is derivable from the phrase alone.
type fakeAudio struct{}

func (fakeAudio) EnsureAudio(_ context.Context, text string, _ bool) (string, error) {
	return "/cache/" + ttscache.Fingerprint(text) + ".wav", nil
}

func refFor(text string) string {
	return "sound:custom/" + ttscache.Fingerprint(text)
}

type fakeSTT struct {
	mu         sync.Mutex
	transcript string
	err        error
}

func (f *fakeSTT) Transcribe(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript, f.err
}

func (f *fakeSTT) set(transcript string, err error) {
	f.mu.Lock()
	f.transcript = transcript
	f.err = err
	f.mu.Unlock()
}

type fakeClassifier struct {
	fn func(text string) (dialog.Intent, error)
}

func (f *fakeClassifier) Classify(_ context.Context, text string) (dialog.Intent, error) {
	return f.fn(text)
}

type fakeCollector struct {
	fn func(conversation []ai.Message, text string) (dialog.CollectResult, error)
}

func (f *fakeCollector) CollectStep(_ context.Context, conversation []ai.Message, text string) (dialog.CollectResult, error) {
	return f.fn(conversation, text)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (f *fakeNotifier) Notify(_ context.Context, m notify.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakeNotifier) sent() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.messages...)
}

type fixture struct {
	engine    *Engine
	calls     *fakeCalls
	stt       *fakeSTT
	notifier  *fakeNotifier
	classify  *fakeClassifier
	collector *fakeCollector
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		calls:    &fakeCalls{},
		stt:      &fakeSTT{},
		notifier: &fakeNotifier{},
		classify: &fakeClassifier{fn: func(string) (dialog.Intent, error) {
			return dialog.Intent{Response: dialog.PhraseClarifyRetry}, nil
		}},
		collector: &fakeCollector{fn: func([]ai.Message, string) (dialog.CollectResult, error) {
			return dialog.CollectResult{Response: dialog.PhraseMoreDetails}, nil
		}},
	}
	f.engine = New(Options{
		Calls:         f.calls,
		Audio:         fakeAudio{},
		Transcriber:   f.stt,
		Classifier:    f.classify,
		Collector:     f.collector,
		Notifier:      f.notifier,
		Metrics:       observability.NewMetrics(fmt.Sprintf("engine_test_%d", time.Now().UnixNano())),
		Greeting:      testGreeting,
		RingTimeout:   ringTimeout,
		RecordingsDir: "/var/spool/asterisk/recording",
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastPlayed(f *fakeCalls) string {
	plays := f.played()
	if len(plays) == 0 {
		return ""
	}
	return plays[len(plays)-1]
}

func TestIncomingCallAnswersAndGreets(t *testing.T) {
	f := newFixture(t, 3*time.Second)
	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41791234567"})

	waitFor(t, "greeting playback", func() bool {
		return f.calls.answerCount() == 1 && lastPlayed(f.calls) == refFor(testGreeting)
	})

	sessions := f.engine.Sessions()
	if len(sessions) != 1 || sessions[0].CallerID != "+41791234567" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestMatchedServiceTransfersThenTimesOutToCollection(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	svc := directory.Service{Extension: "101", Name: "Ventes"}
	f.classify.fn = func(string) (dialog.Intent, error) {
		return dialog.Intent{Service: &svc, Response: dialog.TransferAnnouncement("Ventes")}, nil
	}
	f.stt.set("je voudrais parler aux ventes", nil)

	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41791234567"})
	waitFor(t, "greeting playback", func() bool { return lastPlayed(f.calls) == refFor(testGreeting) })

	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "service-choice recording", func() bool { return f.calls.recordCount() == 1 })

	f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-1", RecordingName: "rec_aa11bb22"})
	waitFor(t, "transfer originate", func() bool { return len(f.calls.originated()) == 1 })

	o := f.calls.originated()[0]
	if o.Extension != "101" || o.TransferFrom != "ch-1" || o.CallerID != "+41791234567" {
		t.Fatalf("originate params = %+v", o)
	}
	if lastPlayed(f.calls) != refFor(dialog.TransferAnnouncement("Ventes")) {
		t.Fatalf("announcement not played, last = %q", lastPlayed(f.calls))
	}

	// Nobody answers: the ring watchdog must fall back to message collection.
	waitFor(t, "collection opener after ring timeout", func() bool {
		return lastPlayed(f.calls) == refFor(dialog.PhraseCollectOpener)
	})
	waitFor(t, "collecting state", func() bool {
		sessions := f.engine.Sessions()
		return len(sessions) == 1 && sessions[0].State == StateCollectingMessage
	})
}

func TestThreeUnclearAnswersFallBackToCollection(t *testing.T) {
	f := newFixture(t, 3*time.Second)
	f.classify.fn = func(string) (dialog.Intent, error) {
		return dialog.Intent{Response: "Pouvez-vous préciser ?"}, nil
	}
	f.stt.set("euh", nil)

	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41791234567"})
	waitFor(t, "greeting playback", func() bool { return lastPlayed(f.calls) == refFor(testGreeting) })
	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "first recording", func() bool { return f.calls.recordCount() == 1 })

	for attempt := 1; attempt <= 2; attempt++ {
		f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-1", RecordingName: "rec_aa11bb22"})
		waitFor(t, "clarification playback", func() bool {
			return lastPlayed(f.calls) == refFor("Pouvez-vous préciser ?")
		})
		f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
		want := attempt + 1
		waitFor(t, "re-recording", func() bool { return f.calls.recordCount() == want })
	}

	// Third strike: no more clarifications, take a message instead.
	f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-1", RecordingName: "rec_aa11bb22"})
	waitFor(t, "collection opener", func() bool {
		return lastPlayed(f.calls) == refFor(dialog.PhraseCollectOpener)
	})
	if len(f.calls.originated()) != 0 {
		t.Fatalf("no transfer should have been attempted")
	}
}

func TestOriginateFailureCollectsMessageAndNotifiesOnce(t *testing.T) {
	f := newFixture(t, 3*time.Second)
	f.calls.originateErr = fmt.Errorf("endpoint unavailable")
	svc := directory.Service{Extension: "102", Name: "Support"}
	f.classify.fn = func(string) (dialog.Intent, error) {
		return dialog.Intent{Service: &svc, Response: dialog.TransferAnnouncement("Support")}, nil
	}
	f.stt.set("le support svp", nil)

	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41791234567"})
	waitFor(t, "greeting playback", func() bool { return lastPlayed(f.calls) == refFor(testGreeting) })
	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "first recording", func() bool { return f.calls.recordCount() == 1 })

	f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-1", RecordingName: "rec_aa11bb22"})
	waitFor(t, "collection opener after failed transfer", func() bool {
		return lastPlayed(f.calls) == refFor(dialog.PhraseCollectOpener)
	})

	// One collection turn with everything the workflow needs.
	f.collector.fn = func(conversation []ai.Message, text string) (dialog.CollectResult, error) {
		if len(conversation) == 0 || conversation[0].Content != dialog.PhraseCollectOpener {
			t.Errorf("conversation missing opener: %+v", conversation)
		}
		return dialog.CollectResult{
			Complete: true,
			Info:     map[string]string{"nom": "Marie", "societe": "Acme", "sujet": "devis"},
			Response: dialog.PhraseCollectClose,
		}, nil
	}
	f.stt.set("je suis Marie de chez Acme pour un devis", nil)

	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "collection recording", func() bool { return f.calls.recordCount() == 2 })
	f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-1", RecordingName: "rec_cc33dd44"})

	waitFor(t, "closing playback", func() bool {
		return lastPlayed(f.calls) == refFor(dialog.PhraseCollectClose)
	})
	waitFor(t, "webhook delivery", func() bool { return len(f.notifier.sent()) == 1 })

	msg := f.notifier.sent()[0]
	if msg.CallerID != "+41791234567" || msg.Service != "Support" || msg.Name != "Marie" || msg.Company != "Acme" || msg.Subject != "devis" {
		t.Fatalf("unexpected webhook message: %+v", msg)
	}

	// The closing phrase finished playing: hang up, and never notify again.
	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "hangup", func() bool { return f.calls.hangupCount() == 1 })
	if len(f.notifier.sent()) != 1 {
		t.Fatalf("webhook fired %d times, want exactly 1", len(f.notifier.sent()))
	}
}

func TestChannelDestroyedMidTransferSilencesWatchdog(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	svc := directory.Service{Extension: "101", Name: "Ventes"}
	f.classify.fn = func(string) (dialog.Intent, error) {
		return dialog.Intent{Service: &svc, Response: dialog.TransferAnnouncement("Ventes")}, nil
	}
	f.stt.set("les ventes", nil)

	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41791234567"})
	waitFor(t, "greeting playback", func() bool { return lastPlayed(f.calls) == refFor(testGreeting) })
	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "recording", func() bool { return f.calls.recordCount() == 1 })
	f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-1", RecordingName: "rec_aa11bb22"})
	waitFor(t, "originate", func() bool { return len(f.calls.originated()) == 1 })

	// Successful bridge: the platform tears the caller leg down.
	f.engine.HandleEvent(ari.ChannelDestroyed{Channel: "ch-1"})
	waitFor(t, "session removal", func() bool { return len(f.engine.Sessions()) == 0 })

	// Outlive the watchdog; a late fire must find nothing to wake.
	time.Sleep(1500 * time.Millisecond)
	for _, ref := range f.calls.played() {
		if ref == refFor(dialog.PhraseCollectOpener) {
			t.Fatalf("collection started on a destroyed channel")
		}
	}
}

func TestTranscriptionErrorAsksToRepeat(t *testing.T) {
	f := newFixture(t, 3*time.Second)
	f.stt.set("", fmt.Errorf("stt unavailable"))

	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41791234567"})
	waitFor(t, "greeting playback", func() bool { return lastPlayed(f.calls) == refFor(testGreeting) })
	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "recording", func() bool { return f.calls.recordCount() == 1 })

	f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-1", RecordingName: "rec_aa11bb22"})
	waitFor(t, "retry prompt", func() bool {
		return lastPlayed(f.calls) == refFor(dialog.PhraseClarifyRetry)
	})

	sessions := f.engine.Sessions()
	if len(sessions) != 1 || sessions[0].State != StateWaitingServiceChoice {
		t.Fatalf("state = %+v, want waiting_service_choice", sessions)
	}

	// The retry prompt finishing must re-open the microphone.
	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-1"})
	waitFor(t, "re-recording", func() bool { return f.calls.recordCount() == 2 })
}

func TestEventsForUnknownChannelsAreDropped(t *testing.T) {
	f := newFixture(t, 3*time.Second)
	f.engine.HandleEvent(ari.PlaybackFinished{Channel: "ch-ghost"})
	f.engine.HandleEvent(ari.RecordingFinished{Channel: "ch-ghost", RecordingName: "rec_aa11bb22"})
	f.engine.HandleEvent(ari.ChannelDestroyed{Channel: "ch-ghost"})

	time.Sleep(50 * time.Millisecond)
	if got := len(f.calls.played()); got != 0 {
		t.Fatalf("played %d refs for unknown channel", got)
	}
}

func TestDuplicateStasisStartIgnored(t *testing.T) {
	f := newFixture(t, 3*time.Second)
	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41791234567"})
	f.engine.HandleEvent(ari.CallStarted{Channel: "ch-1", CallerID: "+41790000000"})

	waitFor(t, "greeting playback", func() bool { return lastPlayed(f.calls) == refFor(testGreeting) })
	sessions := f.engine.Sessions()
	if len(sessions) != 1 || sessions[0].CallerID != "+41791234567" {
		t.Fatalf("sessions = %+v, want the first caller only", sessions)
	}
}
