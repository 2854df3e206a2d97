package capture

import "errors"

var (
	ErrUnsupported = errors.New("speech recognition not supported")
	ErrClosed      = errors.New("capture session closed")
)

// ErrorKind names a recognition failure. Unknown engine kinds are kept verbatim.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindNoSpeech     ErrorKind = "no-speech"
	KindAudioCapture ErrorKind = "audio-capture"
	KindNotAllowed   ErrorKind = "not-allowed"
	KindNetwork      ErrorKind = "network"
	KindStartFailure ErrorKind = "start-failure"
	KindOther        ErrorKind = "other"
)

// Category folds unknown kinds into KindOther.
func (k ErrorKind) Category() ErrorKind {
	switch k {
	case KindNone, KindNoSpeech, KindAudioCapture, KindNotAllowed, KindNetwork, KindStartFailure:
		return k
	default:
		return KindOther
	}
}

// Message is the dismissable notice shown for the error.
func (k ErrorKind) Message() string {
	switch k {
	case KindNone:
		return ""
	case KindNoSpeech:
		return "No speech detected. Please try again."
	case KindAudioCapture:
		return "Microphone access denied or unavailable."
	case KindNotAllowed:
		return "Please allow microphone access."
	case KindNetwork:
		return "Network error. Please check your connection."
	case KindStartFailure:
		return "Failed to start voice recognition"
	default:
		return "Voice recognition error: " + string(k)
	}
}
