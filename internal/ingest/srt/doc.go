// Package srt carries FLV over SRT (Secure Reliable Transport), including
// both listener-mode (Server) for accepting incoming publish connections
// and caller-mode (Caller) for pulling streams from remote SRT sources.
package srt
