package stt

import (
	"fmt"
	"strings"
)

// AudioEncoding is the audio_encoding value understood by the recognizer
type AudioEncoding string

const (
	EncodingPCM   AudioEncoding = "PCM_S16LE" // 16-bit signed little-endian PCM
	EncodingOpus  AudioEncoding = "OPUS"      // Opus in an Ogg container
	EncodingMP3   AudioEncoding = "MP3"
	EncodingFLAC  AudioEncoding = "FLAC"
	EncodingALAW  AudioEncoding = "ALAW"  // G.711 A-law
	EncodingMULAW AudioEncoding = "MULAW" // G.711 μ-law
)

var contentTypes = map[AudioEncoding]string{
	EncodingPCM:   "audio/x-pcm;bit=16",
	EncodingOpus:  "audio/ogg;codecs=opus",
	EncodingMP3:   "audio/mpeg",
	EncodingFLAC:  "audio/flac",
	EncodingALAW:  "audio/pcma",
	EncodingMULAW: "audio/pcmu",
}

// ParseEncoding converts a case-insensitive name into an AudioEncoding
func ParseEncoding(s string) (AudioEncoding, error) {
	enc := AudioEncoding(strings.ToUpper(strings.TrimSpace(s)))
	if enc == "PCM" {
		enc = EncodingPCM
	}
	if !enc.Valid() {
		return "", fmt.Errorf("unsupported audio encoding %q", s)
	}
	return enc, nil
}

// Valid reports whether e is a known encoding
func (e AudioEncoding) Valid() bool {
	_, ok := contentTypes[e]
	return ok
}

// ContentType returns the MIME type used when uploading audio of this encoding.
// Raw PCM carries its sample rate in the MIME parameters when it is known.
func (e AudioEncoding) ContentType(sampleRate int) string {
	ct, ok := contentTypes[e]
	if !ok {
		return "application/octet-stream"
	}
	if e == EncodingPCM && sampleRate > 0 {
		return fmt.Sprintf("%s;rate=%d", ct, sampleRate)
	}
	return ct
}

func (e AudioEncoding) String() string {
	return string(e)
}
