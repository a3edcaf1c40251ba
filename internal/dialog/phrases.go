package dialog

import (
	"fmt"

	"github.com/tksa/receptionist/internal/directory"
)

// Fixed phrases spoken by the receptionist. Keeping them literal (rather than
// model output) guarantees TTS cache hits for every recurring dialog step.
const (
	PhraseClarifyRetry  = "Je n'ai pas compris. Pouvez-vous répéter s'il vous plaît ?"
	PhraseCollectOpener = "Le service est actuellement occupé. Puis-je prendre un message ? Quel est votre nom ?"
	PhraseCollectClose  = "Merci pour ces informations. Nous vous rappellerons dès que possible. Au revoir et bonne journée."
	PhraseMoreDetails   = "Pouvez-vous me donner plus de détails ?"
	PhraseGoodbye       = "Au revoir et bonne journée."

	phraseTransferGeneric = "Je vous transfère. Un instant s'il vous plaît."
	phraseTakeMessage     = "Le service est actuellement occupé. Puis-je prendre un message ?"
	phraseAskName         = "Puis-je avoir votre nom s'il vous plaît ?"
	phraseAskCompany      = "Et votre société ?"
	phraseAskSubject      = "Quel est le sujet de votre appel ?"
)

// TransferAnnouncement is the deterministic line played before originating a
// call toward a service.
func TransferAnnouncement(serviceName string) string {
	return fmt.Sprintf("Je vous transfère au %s. Un instant s'il vous plaît.", serviceName)
}

// PrewarmPhrases lists every fixed phrase the receptionist may speak, so the
// TTS cache can be filled at startup.
func PrewarmPhrases(greeting string, dir directory.Directory) []string {
	phrases := []string{
		greeting,
		phraseTransferGeneric,
		phraseTakeMessage,
		PhraseCollectOpener,
		phraseAskName,
		phraseAskCompany,
		phraseAskSubject,
		PhraseCollectClose,
		PhraseClarifyRetry,
		PhraseMoreDetails,
		PhraseGoodbye,
	}
	for _, s := range dir.Services() {
		phrases = append(phrases, TransferAnnouncement(s.Name))
	}
	return phrases
}
