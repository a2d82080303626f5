package language

// Default is the language code used when the client requests an
// unsupported language.
const Default = "en"

var names = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ar": "Arabic",
	"hi": "Hindi",
	"tr": "Turkish",
	"nl": "Dutch",
	"bn": "Bengali",
}

var codes = []string{"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh", "ar", "hi", "tr", "nl", "bn"}

func Codes() []string {
	result := make([]string, len(codes))
	copy(result, codes)
	return result
}

// DisplayOptions returns "code: Name" pairs for UI dropdowns.
func DisplayOptions() []string {
	result := make([]string, len(codes))
	for i, code := range codes {
		result[i] = code + ": " + names[code]
	}
	return result
}

func Supported(code string) bool {
	_, ok := names[code]
	return ok
}

// Normalize maps unsupported codes to the default language.
func Normalize(code string) string {
	if Supported(code) {
		return code
	}
	return Default
}

// Name returns the display name for a code, falling back to English.
func Name(code string) string {
	if name, ok := names[code]; ok {
		return name
	}
	return names[Default]
}

// TranscriptionHint maps a language code to the value the transcription
// API expects. Whisper wants the region-qualified code for Chinese.
func TranscriptionHint(code string) string {
	if code == "zh" {
		return "zh-CN"
	}
	return code
}
