package ai

import (
	"fmt"
	"strings"
)

// SystemPrompt frames every completion request.
const SystemPrompt = "You are CareLink's health assistant. Give brief, general, non-diagnostic guidance. " +
	"Recommend professional care when symptoms are severe or persistent, and emergency services for anything life-threatening."

// DefaultLanguage is used when a session has not picked one.
const DefaultLanguage = "en"

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
}

var fallbackReplies = map[string]string{
	"en": "I'm sorry, I'm having trouble responding right now. Please try again in a moment. If this is urgent, contact emergency services.",
	"es": "Lo siento, ahora mismo tengo problemas para responder. Inténtalo de nuevo en un momento. Si es urgente, contacta con los servicios de emergencia.",
	"fr": "Désolé, je rencontre des difficultés pour répondre. Veuillez réessayer dans un instant. En cas d'urgence, contactez les services d'urgence.",
	"de": "Entschuldigung, ich kann gerade nicht antworten. Bitte versuchen Sie es gleich noch einmal. Wenden Sie sich in dringenden Fällen an den Notruf.",
}

// NormalizeLanguage reduces a tag like "es-MX" to a supported base language.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if _, ok := languageNames[lang]; ok {
		return lang
	}
	return DefaultLanguage
}

// SupportedLanguage reports whether lang has localized replies.
func SupportedLanguage(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	_, ok := languageNames[lang]
	return ok
}

// BuildPrompt turns a user message into the completion prompt.
func BuildPrompt(content, language string) string {
	lang := NormalizeLanguage(language)
	return fmt.Sprintf("Reply in %s.\nPatient message: %s", languageNames[lang], strings.TrimSpace(content))
}

// FallbackReply is the apology shown when the completion service fails.
func FallbackReply(language string) string {
	return fallbackReplies[NormalizeLanguage(language)]
}
