// Package ari is the Asterisk REST Interface adapter: a thin REST client for
// call operations and a supervised websocket subscriber for events.
package ari

import (
	"encoding/json"
	"strings"
)

// Event is a decoded call-control event. ChannelID identifies the channel
// the event belongs to.
type Event interface {
	ChannelID() string
}

type CallStarted struct {
	Channel  string
	CallerID string
}

type CallStasisEnded struct{ Channel string }

type PlaybackFinished struct{ Channel string }

type RecordingFinished struct {
	Channel       string
	RecordingName string
}

type HangupRequested struct{ Channel string }

type ChannelDestroyed struct{ Channel string }

func (e CallStarted) ChannelID() string       { return e.Channel }
func (e CallStasisEnded) ChannelID() string   { return e.Channel }
func (e PlaybackFinished) ChannelID() string  { return e.Channel }
func (e RecordingFinished) ChannelID() string { return e.Channel }
func (e HangupRequested) ChannelID() string   { return e.Channel }
func (e ChannelDestroyed) ChannelID() string  { return e.Channel }

type rawEvent struct {
	Type    string `json:"type"`
	Channel struct {
		ID     string `json:"id"`
		Caller struct {
			Number string `json:"number"`
		} `json:"caller"`
	} `json:"channel"`
	Playback struct {
		TargetURI string `json:"target_uri"`
	} `json:"playback"`
	Recording struct {
		Name      string `json:"name"`
		TargetURI string `json:"target_uri"`
	} `json:"recording"`
}

// DecodeEvent parses one websocket message. It returns (nil, false) for
// event types the receptionist does not react to and for playback/recording
// events whose target_uri is not of shape "channel:<id>".
func DecodeEvent(data []byte) (Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}

	switch raw.Type {
	case "StasisStart":
		caller := raw.Channel.Caller.Number
		if caller == "" {
			caller = "inconnu"
		}
		return CallStarted{Channel: raw.Channel.ID, CallerID: caller}, true
	case "StasisEnd":
		return CallStasisEnded{Channel: raw.Channel.ID}, true
	case "PlaybackFinished":
		id, ok := channelFromTarget(raw.Playback.TargetURI)
		if !ok {
			return nil, false
		}
		return PlaybackFinished{Channel: id}, true
	case "RecordingFinished":
		id, ok := channelFromTarget(raw.Recording.TargetURI)
		if !ok {
			return nil, false
		}
		return RecordingFinished{Channel: id, RecordingName: raw.Recording.Name}, true
	case "ChannelHangupRequest":
		return HangupRequested{Channel: raw.Channel.ID}, true
	case "ChannelDestroyed":
		return ChannelDestroyed{Channel: raw.Channel.ID}, true
	}
	return nil, false
}

func channelFromTarget(targetURI string) (string, bool) {
	id, ok := strings.CutPrefix(targetURI, "channel:")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
