package realtime

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `yaml:"type"`
	Threshold         float64 `yaml:"threshold"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
	// Eagerness applies to semantic_vad only: low, medium, high or auto.
	Eagerness string `yaml:"eagerness"`
}

// SessionProfile is the capability profile declared with session.update.
type SessionProfile struct {
	Modalities         []string `yaml:"modalities"`
	TranscriptionModel string   `yaml:"transcription_model"`
	// TurnDetection nil is sent as null, which disables server turn detection.
	TurnDetection *TurnDetection `yaml:"turn_detection"`
	Voice         string         `yaml:"voice"`
	Instructions  string         `yaml:"instructions"`
}

func DefaultSessionProfile() SessionProfile {
	return SessionProfile{
		Modalities:         []string{"text", "audio"},
		TranscriptionModel: "whisper-1",
	}
}

func (p SessionProfile) Json() map[string]any {
	modalities := make([]any, len(p.Modalities))
	for i, m := range p.Modalities {
		modalities[i] = m
	}
	session := map[string]any{
		"modalities":     modalities,
		"turn_detection": nil,
		"input_audio_transcription": map[string]any{
			"model": p.TranscriptionModel,
		},
	}
	if td := p.TurnDetection; td != nil {
		detection := map[string]any{"type": td.Type}
		if td.Threshold > 0 {
			detection["threshold"] = td.Threshold
		}
		if td.SilenceDurationMs > 0 {
			detection["silence_duration_ms"] = td.SilenceDurationMs
		}
		if td.Eagerness != "" {
			detection["eagerness"] = td.Eagerness
		}
		session["turn_detection"] = detection
	}
	if p.Voice != "" {
		session["voice"] = p.Voice
	}
	if p.Instructions != "" {
		session["instructions"] = p.Instructions
	}
	return session
}
