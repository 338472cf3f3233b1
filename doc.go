// # Go Package for Realtime Voice Sessions
//
// This repository provides a Go package for holding real-time, two-way voice conversations with an AI endpoint over WebRTC. A Session acquires the microphone, negotiates an Opus-preferring peer connection through a one-shot SDP exchange, and dispatches the events arriving on the "oai" data channel: assistant text, PCM turn audio assembled into WAV containers, transcripts and turn-taking signals. An amplitude extractor turns the active audio stream into the scale that drives a voice visualizer.
package realtime
