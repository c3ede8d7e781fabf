package model

// Job status
type JobStatus string

const (
	JobStatusUploaded   JobStatus = "uploaded"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further mutation is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Narration language
type Language string

const (
	LanguageKorean  Language = "korean"
	LanguageEnglish Language = "english"
)

var ValidLanguages = []Language{LanguageKorean, LanguageEnglish}

// FileSuffix is appended to the document base name of the final video.
func (l Language) FileSuffix() string {
	if l == LanguageEnglish {
		return "_english"
	}
	return "_korean"
}

// Speech synthesis quality presets
type QualityMode string

const (
	QualityStableKorean QualityMode = "stable_korean"
	QualityPresentation QualityMode = "presentation"
	QualityHigh         QualityMode = "high_quality"
	QualityFast         QualityMode = "fast"
)

var ValidQualityModes = []QualityMode{
	QualityStableKorean, QualityPresentation, QualityHigh, QualityFast,
}

// Pipeline stages
type Stage string

const (
	StageExtract    Stage = "extract_pages"
	StageScript     Stage = "generate_scripts"
	StageVoice      Stage = "synthesize_voices"
	StageAssemble   Stage = "assemble_video"
	StageFinalize   Stage = "finalize"
	StageDispatch   Stage = "dispatch"
	StageUnexpected Stage = "unexpected"
)
