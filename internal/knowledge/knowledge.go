// Package knowledge holds the canned question/answer table used by the
// automated assistant.
package knowledge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFallback is returned to the user when no entry matches
const DefaultFallback = "Je n'ai pas trouvé de réponse à votre question. Vous pouvez reformuler, ou demander à parler à un conseiller humain."

// Entry is a single question and its canned answer
type Entry struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// Base is an ordered lookup table. Declaration order decides which entry
// answers when several keys match the same input.
type Base struct {
	entries  []Entry
	keys     []string
	fallback string
}

type file struct {
	Fallback string  `yaml:"fallback"`
	Entries  []Entry `yaml:"entries"`
}

// New builds a knowledge base from entries in the given order.
// An empty fallback selects DefaultFallback.
func New(entries []Entry, fallback string) *Base {
	if fallback == "" {
		fallback = DefaultFallback
	}
	b := &Base{
		entries:  make([]Entry, 0, len(entries)),
		keys:     make([]string, 0, len(entries)),
		fallback: fallback,
	}
	for _, e := range entries {
		key := Normalize(e.Question)
		if key == "" {
			continue
		}
		b.entries = append(b.entries, e)
		b.keys = append(b.keys, key)
	}
	return b
}

// Load reads a YAML table from path
func Load(path string) (*Base, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML table of the form
//
//	fallback: "..."
//	entries:
//	  - question: "..."
//	    answer: "..."
func Parse(data []byte) (*Base, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("knowledge base has no entries")
	}
	for i, e := range f.Entries {
		if strings.TrimSpace(e.Answer) == "" {
			return nil, fmt.Errorf("knowledge base entry %d (%q) has an empty answer", i, e.Question)
		}
	}
	return New(f.Entries, f.Fallback), nil
}

// Normalize lowercases and trims text
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Lookup returns the answer of the first entry whose normalized question
// equals, contains, or is contained by the normalized input.
func (b *Base) Lookup(text string) (string, bool) {
	input := Normalize(text)
	if input == "" {
		return "", false
	}
	for i, key := range b.keys {
		if input == key || strings.Contains(input, key) || strings.Contains(key, input) {
			return b.entries[i].Answer, true
		}
	}
	return "", false
}

// Answer returns the matching answer or the fallback
func (b *Base) Answer(text string) string {
	if answer, ok := b.Lookup(text); ok {
		return answer
	}
	return b.fallback
}

// Fallback returns the generic response used when nothing matches
func (b *Base) Fallback() string {
	return b.fallback
}

// Len returns the number of usable entries
func (b *Base) Len() int {
	return len(b.entries)
}

// Default returns the built-in trading support table
func Default() *Base {
	return New(defaultEntries, DefaultFallback)
}

var defaultEntries = []Entry{
	{
		Question: "Comment acheter des stocks",
		Answer:   "Pour acheter des actions : ouvrez l'onglet Marché, choisissez un titre, indiquez la quantité puis validez l'ordre d'achat. Le montant est débité de votre solde disponible.",
	},
	{
		Question: "Comment vendre des stocks",
		Answer:   "Pour vendre : allez dans votre Portefeuille, sélectionnez la ligne à céder, indiquez la quantité puis confirmez l'ordre de vente.",
	},
	{
		Question: "Comment déposer de l'argent",
		Answer:   "Depuis votre Profil, ouvrez Solde puis Déposer. Les virements sont crédités sous 1 à 3 jours ouvrés.",
	},
	{
		Question: "Comment retirer de l'argent",
		Answer:   "Depuis votre Profil, ouvrez Solde puis Retirer. Les retraits sont traités sous 48 heures après vérification.",
	},
	{
		Question: "Vérification KYC",
		Answer:   "La vérification d'identité (KYC) demande une pièce d'identité valide et un justificatif de domicile. Le traitement prend en général 24 à 48 heures.",
	},
	{
		Question: "Mot de passe oublié",
		Answer:   "Sur la page de connexion, cliquez sur « Mot de passe oublié » et suivez le lien reçu par e-mail.",
	},
	{
		Question: "Quels sont les frais",
		Answer:   "Chaque ordre exécuté est facturé 0,1 % du montant, avec un minimum de 1 €. Aucuns frais de tenue de compte.",
	},
	{
		Question: "Horaires du marché",
		Answer:   "Les ordres sont exécutés pendant les heures d'ouverture de la bourse, du lundi au vendredi de 9h00 à 17h30.",
	},
}
