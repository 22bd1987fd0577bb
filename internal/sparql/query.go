package sparql

import (
	"fmt"
	"regexp"
	"strings"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
)

const (
	// DefaultOntologyURI is the namespace bound to the app: prefix.
	DefaultOntologyURI = "http://www.appsist.de/ontology/"
	// DefaultLabelLanguage is the language step labels are loaded in.
	DefaultLabelLanguage = "de"

	termsURI = "http://purl.org/dc/terms/"
)

// Variables projected by the content queries.
const (
	VarURI     = "uri"
	VarLabel   = "label"
	VarContent = "inhalt"
	VarPreview = "vorschau"
)

// Builder renders query templates against one ontology namespace.
type Builder struct {
	ontology string
	prefix   string
}

// NewBuilder returns a Builder for ontologyURI, or for DefaultOntologyURI when empty.
func NewBuilder(ontologyURI string) *Builder {
	if ontologyURI == "" {
		ontologyURI = DefaultOntologyURI
	}
	return &Builder{
		ontology: ontologyURI,
		prefix:   "PREFIX app: <" + ontologyURI + "> PREFIX terms: <" + termsURI + ">",
	}
}

// MeasureQuery matches every subject whose IRI ends with fragment.
func (b *Builder) MeasureQuery(fragment string) (string, error) {
	if fragment == "" {
		return "", fmt.Errorf("measure fragment: %w", ierrors.ErrInvalidIdentifier)
	}
	if err := checkLiteral(fragment); err != nil {
		return "", fmt.Errorf("measure fragment %q: %w", fragment, err)
	}
	return b.prefix +
		" SELECT DISTINCT ?" + VarURI + " WHERE { ?" + VarURI + " a ?_ FILTER (REGEX(str(?" + VarURI + "),'" +
		escapeLiteral(regexp.QuoteMeta(fragment)) + "$')) }", nil
}

// InstructionQuery matches instruction items that inform about exactly
// compositeID. Task and activity content share it.
func (b *Builder) InstructionQuery(compositeID string) (string, error) {
	if err := checkIRI(compositeID); err != nil {
		return "", fmt.Errorf("content target %q: %w", compositeID, err)
	}
	return b.prefix +
		" SELECT DISTINCT ?" + VarContent + " WHERE {?" + VarContent + " app:informiertUeber <" + compositeID +
		"> . ?" + VarContent + " rdf:type app:Instruktion } ", nil
}

// AdditionalQuery matches non-instruction items about any of ids whose
// audience is unrestricted or includes employeeType. A preview reference is
// projected when present.
func (b *Builder) AdditionalQuery(ids []string, employeeType string) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("additional content ids: %w", ierrors.ErrInvalidIdentifier)
	}
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := checkIRI(id); err != nil {
			return "", fmt.Errorf("content target %q: %w", id, err)
		}
		values = append(values, "<"+id+">")
	}
	if err := checkIRI(employeeType); err != nil {
		return "", fmt.Errorf("employee type %q: %w", employeeType, err)
	}
	return b.prefix +
		" SELECT DISTINCT ?" + VarContent + " ?" + VarPreview + " WHERE {VALUES ?p {" + strings.Join(values, " ") + "}" +
		" ?" + VarContent + " app:informiertUeber ?p" +
		" FILTER ((NOT EXISTS {?" + VarContent + " rdf:type app:Instruktion})" +
		" && ((NOT EXISTS {?" + VarContent + " app:hatZielgruppe ?_}) || EXISTS {?" + VarContent + " app:hatZielgruppe <" + employeeType + ">}))" +
		" OPTIONAL {?" + VarContent + " app:hasPreview ?" + VarPreview + "}}", nil
}

// StepLabelQuery lists every process element with its label in lang.
func (b *Builder) StepLabelQuery(lang string) string {
	if lang == "" || checkLiteral(lang) != nil {
		lang = DefaultLabelLanguage
	}
	return "PREFIX app: <" + b.ontology + ">" +
		" SELECT DISTINCT ?" + VarURI + " ?" + VarLabel + " WHERE {?class rdfs:subClassOf* app:Prozesselement ." +
		" ?" + VarURI + " a ?class . ?" + VarURI + " rdfs:label ?" + VarLabel +
		" FILTER(LANGMATCHES(LANG(?" + VarLabel + "), '" + escapeLiteral(lang) + "'))}"
}

// checkIRI rejects values that would terminate or corrupt an IRIREF.
func checkIRI(s string) error {
	if s == "" {
		return ierrors.ErrInvalidIdentifier
	}
	for _, r := range s {
		if r <= 0x20 || r == 0x7f {
			return ierrors.ErrInvalidIdentifier
		}
		switch r {
		case '<', '>', '"', '{', '}', '|', '^', '`', '\\':
			return ierrors.ErrInvalidIdentifier
		}
	}
	return nil
}

// checkLiteral rejects control characters that cannot appear in a
// single-quoted SPARQL string.
func checkLiteral(s string) error {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return ierrors.ErrInvalidIdentifier
		}
	}
	return nil
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escapeLiteral(s string) string {
	return literalEscaper.Replace(s)
}
