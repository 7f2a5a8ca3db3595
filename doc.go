// # Go Package for Peer-to-Peer Voice Calls
//
// This repository provides a Go package for placing and receiving one-to-one audio calls between two users. Calls are coordinated through a signaling hub (call control and offer/answer/ICE relay) while the audio itself flows directly between the peers over WebRTC. The package drives each call attempt through an explicit state machine, owns the microphone stream and the negotiated transport for the duration of the attempt, and guarantees that every attempt terminates and releases its resources.
//
// A Manager is the entry point: it listens for incoming calls, dials outgoing ones and hands out a Machine per call attempt. The voicemsg package records short voice messages with the same capture stack.
package voicecall
