package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

type utterances struct {
	greeting         string // takes the business name
	greetingNoName   string
	unavailable      string
	busy             string
	apology          string
	couldNotComplete string
}

var catalog = map[string]utterances{
	"es": {
		greeting:         "Hola, gracias por llamar a %s. ¿En qué puedo ayudarle?",
		greetingNoName:   "Hola, gracias por llamar. ¿En qué puedo ayudarle?",
		unavailable:      "Lo sentimos, este servicio no está disponible en este momento. Adiós.",
		busy:             "Todas nuestras líneas están ocupadas. Por favor, vuelva a llamar más tarde.",
		apology:          "Disculpe, no le he entendido bien. ¿Podría repetirlo, por favor?",
		couldNotComplete: "Lo siento, no he podido completar esa solicitud.",
	},
	"en": {
		greeting:         "Hello, thank you for calling %s. How can I help you?",
		greetingNoName:   "Hello, thank you for calling. How can I help you?",
		unavailable:      "Sorry, this service is not available right now. Goodbye.",
		busy:             "All of our lines are busy. Please call again later.",
		apology:          "Sorry, I didn't quite catch that. Could you please repeat it?",
		couldNotComplete: "Sorry, I could not complete that request.",
	},
}

// messagesFor picks the catalogue for a language tag such as "es" or
// "en-US", falling back to fallback and then Spanish.
func messagesFor(lang, fallback string) utterances {
	for _, l := range []string{lang, fallback} {
		base := strings.ToLower(strings.TrimSpace(l))
		if i := strings.IndexAny(base, "-_"); i > 0 {
			base = base[:i]
		}
		if u, ok := catalog[base]; ok {
			return u
		}
	}
	return catalog["es"]
}

func (u utterances) greet(business string) string {
	if strings.TrimSpace(business) == "" {
		return u.greetingNoName
	}
	return fmt.Sprintf(u.greeting, business)
}

func (u utterances) rejection(cause error) string {
	if errors.Is(cause, ErrCapacity) {
		return u.busy
	}
	return u.unavailable
}
