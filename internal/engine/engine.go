// Package engine drives the per-call dialog state machine: greeting, service
// choice, blind transfer with ring watchdog, and message collection fallback.
package engine

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tksa/receptionist/internal/ai"
	"github.com/tksa/receptionist/internal/ari"
	"github.com/tksa/receptionist/internal/dialog"
	"github.com/tksa/receptionist/internal/notify"
	"github.com/tksa/receptionist/internal/observability"
)

// CallControl is the outbound surface of the call-control bus.
type CallControl interface {
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, soundRef string) error
	Record(ctx context.Context, channelID string, p ari.RecordParams) error
	Originate(ctx context.Context, p ari.OriginateParams) (string, error)
	Hangup(ctx context.Context, channelID string) error
}

// AudioCache resolves spoken text to a cached audio file.
type AudioCache interface {
	EnsureAudio(ctx context.Context, text string, useCache bool) (string, error)
}

// Transcriber converts a recording file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Classifier maps a caller utterance to a service or a clarification.
type Classifier interface {
	Classify(ctx context.Context, userText string) (dialog.Intent, error)
}

// Collector runs one turn of the take-a-message dialog.
type Collector interface {
	CollectStep(ctx context.Context, conversation []ai.Message, userText string) (dialog.CollectResult, error)
}

// Notifier delivers a completed message record.
type Notifier interface {
	Notify(ctx context.Context, m notify.Message)
}

const (
	maxClarifyRetries    = 3
	recordMaxDurationSec = 10
)

// Options wires the engine's collaborators and dialog settings.
type Options struct {
	Calls         CallControl
	Audio         AudioCache
	Transcriber   Transcriber
	Classifier    Classifier
	Collector     Collector
	Notifier      Notifier
	Metrics       *observability.Metrics
	Greeting      string
	RingTimeout   time.Duration
	RecordingsDir string
}

// Engine owns the session table and processes bus events. Events for one
// channel are handled in arrival order by a per-session mailbox goroutine;
// channels never block each other.
type Engine struct {
	calls      CallControl
	audio      AudioCache
	stt        Transcriber
	classifier Classifier
	collector  Collector
	notifier   Notifier
	metrics    *observability.Metrics

	greeting      string
	ringTimeout   time.Duration
	recordingsDir string

	mu       sync.RWMutex
	sessions map[string]*callSession
}

func New(opts Options) *Engine {
	return &Engine{
		calls:         opts.Calls,
		audio:         opts.Audio,
		stt:           opts.Transcriber,
		classifier:    opts.Classifier,
		collector:     opts.Collector,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		greeting:      opts.Greeting,
		ringTimeout:   opts.RingTimeout,
		recordingsDir: opts.RecordingsDir,
		sessions:      make(map[string]*callSession),
	}
}

// HandleEvent routes one bus event to its session. Unknown channels are
// dropped; they belong to calls that ended or to foreign legs.
func (e *Engine) HandleEvent(ev ari.Event) {
	e.metrics.CallEvents.WithLabelValues(eventName(ev)).Inc()

	switch ev := ev.(type) {
	case ari.CallStarted:
		e.startSession(ev)
		return
	case ari.ChannelDestroyed:
		// Cancel in-flight model calls right away; ordered cleanup still
		// happens through the mailbox.
		if s := e.lookup(ev.Channel); s != nil {
			s.cancel()
		}
	}

	s := e.lookup(ev.ChannelID())
	if s == nil {
		return
	}
	e.enqueue(s, ev)
}

// Sessions returns snapshots of all open sessions.
func (e *Engine) Sessions() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Snapshot, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

func (e *Engine) lookup(channelID string) *callSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[channelID]
}

func (e *Engine) enqueue(s *callSession, ev any) {
	select {
	case s.inbox <- ev:
	default:
		log.Printf("engine inbox_full channel=%s dropped=%T", s.channelID, ev)
	}
}

func (e *Engine) startSession(ev ari.CallStarted) {
	if ev.Channel == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &callSession{
		channelID: ev.Channel,
		callerID:  ev.CallerID,
		startedAt: time.Now(),
		state:     StateGreeting,
		info:      make(map[string]string),
		inbox:     make(chan any, 32),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.mu.Lock()
	if _, exists := e.sessions[ev.Channel]; exists {
		e.mu.Unlock()
		cancel()
		log.Printf("engine duplicate_stasis_start channel=%s", ev.Channel)
		return
	}
	e.sessions[ev.Channel] = s
	count := len(e.sessions)
	e.mu.Unlock()

	e.metrics.ActiveCalls.Set(float64(count))
	log.Printf("call_incoming channel=%s caller=%s", ev.Channel, ev.CallerID)

	go e.run(s)
	e.enqueue(s, ev)
}

func (e *Engine) run(s *callSession) {
	for ev := range s.inbox {
		e.dispatch(s, ev)
		if _, done := ev.(ari.ChannelDestroyed); done {
			return
		}
	}
}

// dispatch is recover-guarded so one failing handler cannot take the
// session's event loop down with it.
func (e *Engine) dispatch(s *callSession, ev any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine handler_panic channel=%s event=%T panic=%v", s.channelID, ev, r)
		}
	}()

	switch ev := ev.(type) {
	case ari.CallStarted:
		e.onCallStarted(s)
	case ari.PlaybackFinished:
		e.onPlaybackFinished(s)
	case ari.RecordingFinished:
		e.onRecordingFinished(s, ev.RecordingName)
	case ari.HangupRequested:
		log.Printf("hangup_requested channel=%s", s.channelID)
		s.stopWatchdog()
	case ari.ChannelDestroyed:
		e.onChannelDestroyed(s)
	case ari.CallStasisEnded:
		log.Printf("stasis_end channel=%s", s.channelID)
	case transferTimeout:
		e.onTransferTimeout(s)
	}
}

type transferTimeout struct{}

func (e *Engine) onCallStarted(s *callSession) {
	if err := e.calls.Answer(s.ctx, s.channelID); err != nil {
		log.Printf("engine answer_failed channel=%s err=%v", s.channelID, err)
	}
	e.playText(s, e.greeting)
}

func (e *Engine) onPlaybackFinished(s *callSession) {
	switch s.currentState() {
	case StateGreeting:
		s.setState(StateWaitingServiceChoice)
		e.startRecording(s)
	case StateWaitingServiceChoice, StateCollectingMessage:
		e.startRecording(s)
	case StateEnding:
		if err := e.calls.Hangup(s.ctx, s.channelID); err != nil {
			log.Printf("engine hangup_failed channel=%s err=%v", s.channelID, err)
		}
	}
}

func (e *Engine) onRecordingFinished(s *callSession, recordingName string) {
	audioPath := filepath.Join(e.recordingsDir, recordingName+".wav")

	transcript, err := e.stt.Transcribe(s.ctx, audioPath)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.metrics.AIErrors.WithLabelValues("transcribe").Inc()
		log.Printf("engine transcription_failed channel=%s err=%v", s.channelID, err)
		e.playText(s, dialog.PhraseClarifyRetry)
		return
	}
	log.Printf("stt_result channel=%s text=%q", s.channelID, transcript)

	switch s.currentState() {
	case StateWaitingServiceChoice:
		e.handleServiceChoice(s, transcript)
	case StateCollectingMessage:
		e.handleCollection(s, transcript)
	}
}

func (e *Engine) handleServiceChoice(s *callSession, transcript string) {
	intent, err := e.classifier.Classify(s.ctx, transcript)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.metrics.AIErrors.WithLabelValues("classify").Inc()
		log.Printf("engine classify_failed channel=%s err=%v", s.channelID, err)
		// A broken classification counts as an unclear answer.
		intent = dialog.Intent{Response: dialog.PhraseClarifyRetry}
	}

	if intent.Service != nil {
		svc := *intent.Service
		s.setTarget(&svc)
		s.setState(StateTransferring)
		log.Printf("transferring channel=%s service=%s extension=%s", s.channelID, svc.Name, svc.Extension)
		e.playText(s, intent.Response)
		e.transfer(s, svc.Extension)
		return
	}

	s.retries++
	if s.retries >= maxClarifyRetries {
		log.Printf("engine retries_exhausted channel=%s", s.channelID)
		e.startCollection(s)
		return
	}
	e.playText(s, intent.Response)
}

func (e *Engine) transfer(s *callSession, extension string) {
	newChannel, err := e.calls.Originate(s.ctx, ari.OriginateParams{
		Extension:      extension,
		TransferFrom:   s.channelID,
		TimeoutSeconds: int(e.ringTimeout / time.Second),
		CallerID:       s.callerID,
	})
	if err != nil {
		e.metrics.TransferOutcomes.WithLabelValues("failed").Inc()
		log.Printf("engine transfer_failed channel=%s err=%v", s.channelID, err)
		e.startCollection(s)
		return
	}
	e.metrics.TransferOutcomes.WithLabelValues("initiated").Inc()
	log.Printf("transfer_initiated channel=%s target_channel=%s", s.channelID, newChannel)

	// One extra second past the originate timeout so the bus gets to destroy
	// the caller leg first on a successful bridge.
	channelID := s.channelID
	s.watchdog = time.AfterFunc(e.ringTimeout+time.Second, func() {
		e.postTimeout(channelID)
	})
}

// postTimeout runs on the timer goroutine. Going through the session table
// means a fire after ChannelDestroyed finds nothing to wake.
func (e *Engine) postTimeout(channelID string) {
	if s := e.lookup(channelID); s != nil {
		e.enqueue(s, transferTimeout{})
	}
}

func (e *Engine) onTransferTimeout(s *callSession) {
	if s.currentState() != StateTransferring {
		return
	}
	e.metrics.TransferOutcomes.WithLabelValues("timeout").Inc()
	log.Printf("transfer_timeout channel=%s", s.channelID)
	e.startCollection(s)
}

func (e *Engine) startCollection(s *callSession) {
	s.stopWatchdog()
	s.setState(StateCollectingMessage)
	s.conversation = s.conversation[:0]
	s.conversation = append(s.conversation, ai.Message{Role: ai.RoleAssistant, Content: dialog.PhraseCollectOpener})
	e.playText(s, dialog.PhraseCollectOpener)
}

func (e *Engine) handleCollection(s *callSession, transcript string) {
	result, err := e.collector.CollectStep(s.ctx, s.conversation, transcript)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.metrics.AIErrors.WithLabelValues("collect").Inc()
		log.Printf("engine collection_failed channel=%s err=%v", s.channelID, err)
		e.playText(s, dialog.PhraseClarifyRetry)
		return
	}

	s.conversation = append(s.conversation, ai.Message{Role: ai.RoleUser, Content: transcript})
	for key, value := range result.Info {
		if value != "" {
			s.info[key] = value
		}
	}

	if result.Complete {
		s.setState(StateEnding)
		e.notifyOnce(s)
	}
	s.conversation = append(s.conversation, ai.Message{Role: ai.RoleAssistant, Content: result.Response})
	e.playText(s, result.Response)
}

// notifyOnce fires the webhook at most once per session, detached from the
// call lifetime so a quick hangup does not lose the message.
func (e *Engine) notifyOnce(s *callSession) {
	if s.notified {
		return
	}
	s.notified = true

	msg := notify.Message{
		CallerID: s.callerID,
		Service:  s.targetName(),
		Name:     s.info["nom"],
		Company:  s.info["societe"],
		Subject:  s.info["sujet"],
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		e.notifier.Notify(ctx, msg)
	}()
}

func (e *Engine) onChannelDestroyed(s *callSession) {
	s.stopWatchdog()
	s.cancel()

	e.mu.Lock()
	delete(e.sessions, s.channelID)
	count := len(e.sessions)
	e.mu.Unlock()

	e.metrics.ActiveCalls.Set(float64(count))
	e.metrics.ObserveCallDuration(time.Since(s.startedAt))
	log.Printf("call_ended channel=%s caller=%s duration=%s", s.channelID, s.callerID, time.Since(s.startedAt).Round(time.Second))
}

func (e *Engine) startRecording(s *callSession) {
	name := "rec_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	err := e.calls.Record(s.ctx, s.channelID, ari.RecordParams{
		Name:               name,
		MaxDurationSeconds: recordMaxDurationSec,
	})
	if err != nil {
		log.Printf("engine record_failed channel=%s err=%v", s.channelID, err)
		return
	}
	log.Printf("recording_started channel=%s name=%s", s.channelID, name)
}

func (e *Engine) playText(s *callSession, text string) {
	path, err := e.audio.EnsureAudio(s.ctx, text, true)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		e.metrics.AIErrors.WithLabelValues("synthesize").Inc()
		log.Printf("engine tts_failed channel=%s err=%v", s.channelID, err)
		return
	}
	if err := e.calls.Play(s.ctx, s.channelID, soundRef(path)); err != nil {
		log.Printf("engine play_failed channel=%s err=%v", s.channelID, err)
	}
}

// soundRef maps a cache file path to the bus media reference; the cache
// directory is mounted as the platform's custom sounds folder.
func soundRef(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".wav")
	return "sound:custom/" + base
}

func eventName(ev ari.Event) string {
	switch ev.(type) {
	case ari.CallStarted:
		return "stasis_start"
	case ari.CallStasisEnded:
		return "stasis_end"
	case ari.PlaybackFinished:
		return "playback_finished"
	case ari.RecordingFinished:
		return "recording_finished"
	case ari.HangupRequested:
		return "hangup_request"
	case ari.ChannelDestroyed:
		return "channel_destroyed"
	default:
		return "other"
	}
}
