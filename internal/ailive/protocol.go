package ailive

// Wire messages for the AI live WebSocket protocol. Every frame is a JSON
// object with exactly one of the top-level fields set.

type clientMessage struct {
	Setup         *setupMessage  `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
}

// setupMessage opens a session. The server acknowledges with setupComplete
// before any audio flows.
type setupMessage struct {
	Model              string   `json:"model"`
	VoiceProfile       string   `json:"voiceProfile,omitempty"`
	SystemInstruction  string   `json:"systemInstruction,omitempty"`
	InputSampleRate    int      `json:"inputSampleRate"`
	OutputSampleRate   int      `json:"outputSampleRate"`
	ResponseModalities []string `json:"responseModalities"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64 PCM16LE
}

type serverMessage struct {
	SetupComplete *setupComplete `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	Error         *serverError   `json:"error,omitempty"`
}

type setupComplete struct{}

type serverError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64 PCM16LE
}
