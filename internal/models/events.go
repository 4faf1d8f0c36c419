// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package models

// Webhook event names as delivered by the supported backends.
//
// Plex delivers media.* events in multipart webhooks; Jellyfin's webhook
// plugin delivers PascalCase event names; Emby delivers dotted lowercase
// notification types.
const (
	// Plex
	EventPlexPlay     = "media.play"
	EventPlexPause    = "media.pause"
	EventPlexResume   = "media.resume"
	EventPlexStop     = "media.stop"
	EventPlexScrobble = "media.scrobble"
	EventPlexRate     = "media.rate"
	EventPlexNew      = "library.new"

	// Jellyfin webhook plugin
	EventJellyfinItemAdded        = "ItemAdded"
	EventJellyfinUserDataSaved    = "UserDataSaved"
	EventJellyfinPlaybackStart    = "PlaybackStart"
	EventJellyfinPlaybackProgress = "PlaybackProgress"
	EventJellyfinPlaybackStop     = "PlaybackStop"

	// Emby
	EventEmbyPlaybackStart   = "playback.start"
	EventEmbyPlaybackPause   = "playback.pause"
	EventEmbyPlaybackUnpause = "playback.unpause"
	EventEmbyPlaybackStop    = "playback.stop"
	EventEmbyMarkPlayed      = "item.markplayed"
	EventEmbyMarkUnplayed    = "item.markunplayed"
	EventEmbyItemAdded       = "library.new"
	EventEmbyUserDataSaved   = "item.userdata.saved"
)

// taintedEvents are in-progress transitions: they may carry play position
// but must never flip Watched on their own.
var taintedEvents = map[string]struct{}{
	EventPlexPlay:                 {},
	EventPlexPause:                {},
	EventPlexResume:               {},
	EventJellyfinPlaybackStart:    {},
	EventJellyfinPlaybackProgress: {},
	EventEmbyPlaybackStart:        {},
	EventEmbyPlaybackPause:        {},
	EventEmbyPlaybackUnpause:      {},
}

// TaintedEvent reports whether the named webhook event is an in-progress
// transition rather than a terminal watched transition.
func TaintedEvent(event string) bool {
	_, ok := taintedEvents[event]
	return ok
}
