package media

import (
	"net/http"
	"path/filepath"
	"strings"
)

// MediaType is the broad category of an attachment.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeAudio MediaType = "audio"
	MediaTypeOther MediaType = "other"
)

// Config contains extraction limits.
type Config struct {
	// MaxImageSize in bytes (default: 20MB)
	MaxImageSize int64 `yaml:"max_image_size"`

	// MaxAudioSize in bytes (default: 25MB, the Whisper limit)
	MaxAudioSize int64 `yaml:"max_audio_size"`

	// TempDir for voice downloads (default: os.TempDir())
	TempDir string `yaml:"temp_dir"`
}

// DefaultConfig returns default limits.
func DefaultConfig() Config {
	return Config{
		MaxImageSize: 20 * 1024 * 1024,
		MaxAudioSize: 25 * 1024 * 1024,
	}
}

// DetectMimeType uses http.DetectContentType and extension heuristics.
func DetectMimeType(data []byte, filename string) string {
	detected := http.DetectContentType(data)

	if detected == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".mp3":
			return "audio/mpeg"
		case ".m4a":
			return "audio/mp4"
		case ".ogg", ".oga", ".opus":
			return "audio/ogg"
		case ".wav":
			return "audio/wav"
		case ".weba":
			return "audio/webm"
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".png":
			return "image/png"
		case ".webp":
			return "image/webp"
		}
	}

	// Voice notes are Ogg/Opus; the sniffer reports the container as
	// application/ogg.
	if detected == "application/ogg" {
		return "audio/ogg"
	}
	return detected
}

// CategorizeType maps MIME type to MediaType.
func CategorizeType(mimeType string) MediaType {
	mimeType = strings.TrimSpace(strings.Split(mimeType, ";")[0])

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaTypeImage
	case strings.HasPrefix(mimeType, "audio/"), mimeType == "video/ogg", mimeType == "application/ogg":
		return MediaTypeAudio
	default:
		return MediaTypeOther
	}
}

// IsImage returns true if the MIME type is an image.
func IsImage(mimeType string) bool {
	return CategorizeType(mimeType) == MediaTypeImage
}

// AudioExtension returns a file extension the transcription endpoint accepts
// for mimeType. Unknown types default to .ogg, the voice-note container on
// every supported platform.
func AudioExtension(mimeType string) string {
	switch strings.TrimSpace(strings.Split(mimeType, ";")[0]) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}
