package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// PromptInput is everything the verifier may reason over.
type PromptInput struct {
	Rule      PromptRule             `json:"rule"`
	Candidate PromptCandidate        `json:"candidate"`
	Timeline  []models.TimelineEntry `json:"timeline"`
	Subgraph  *models.Subgraph       `json:"subgraph,omitempty"`
	// EvidenceEventIDs is the scope evidence_used is checked against.
	EvidenceEventIDs []string `json:"evidence_event_ids"`
}

// PromptRule describes the detector rule that raised the candidate.
type PromptRule struct {
	Type        models.CandidateType `json:"type"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
}

// PromptCandidate summarises the candidate.
type PromptCandidate struct {
	ID               string               `json:"candidate_id"`
	Type             models.CandidateType `json:"type"`
	AnchorObjectID   string               `json:"anchor_object_id"`
	AnchorObjectType string               `json:"anchor_object_type"`
	BaseConf         float64              `json:"base_conf"`
	Features         map[string]any       `json:"features"`
}

const systemTemplate = `You are a procurement audit assistant reviewing one anomaly candidate from an OCEL 2.0 event log.
Reason only over the evidence supplied by the user. Anything not present in the evidence is "unknown".
Never invent events, objects, amounts, people or dates.
Respond with a single JSON object and nothing else.`

const verifyTemplate = `Task: decide whether the candidate below is a true instance of the rule.

Rule: {{.Rule.Title}} ({{.Rule.Type}})
{{.Rule.Description}}

Evidence (JSON):
{{json .}}

Return exactly these keys:
{
  "verdict": "confirm" | "uncertain" | "reject",
  "v_conf": number between 0 and 1,
  "explanation": string,
  "evidence_used": [event ids taken from evidence_event_ids],
  "possible_false_positive": [string],
  "next_questions": [string]
}
evidence_used must list only ids from evidence_event_ids: {{join .EvidenceEventIDs ", "}}.`

const explainTemplate = `Task: explain to a reviewer why the candidate below was flagged.

Rule: {{.Rule.Title}} ({{.Rule.Type}})
{{.Rule.Description}}

Evidence (JSON):
{{json .}}

Return exactly these keys:
{
  "one_liner": string,
  "why_anomalous": string,
  "evidence_summary": string,
  "what_to_check_next": [string],
  "possible_normal_reasons": [string]
}`

// repairSuffix is appended once when a completion fails validation.
const repairSuffix = "\n\nReturn JSON only."

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(raw), nil
	},
	"join": strings.Join,
}

// Prompts renders the verifier prompts of one prompt version.
type Prompts struct {
	version string
	system  string
	user    map[models.VerificationKind]*template.Template
	hashes  map[models.VerificationKind]string
}

// NewPrompts parses the built-in templates under version.
func NewPrompts(version string) (*Prompts, error) {
	p := &Prompts{
		version: version,
		system:  systemTemplate,
		user:    make(map[models.VerificationKind]*template.Template, 2),
		hashes:  make(map[models.VerificationKind]string, 2),
	}
	sources := map[models.VerificationKind]string{
		models.KindVerify:  verifyTemplate,
		models.KindExplain: explainTemplate,
	}
	for kind, src := range sources {
		tmpl, err := template.New(string(kind)).Funcs(funcs).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", kind, err)
		}
		p.user[kind] = tmpl
		p.hashes[kind] = hashText(version + systemTemplate + src)
	}
	return p, nil
}

// Version returns the prompt version.
func (p *Prompts) Version() string { return p.version }

// Hash identifies the template of kind under the current version.
func (p *Prompts) Hash(kind models.VerificationKind) string { return p.hashes[kind] }

// Render returns the system and user messages for kind.
func (p *Prompts) Render(kind models.VerificationKind, input PromptInput) (string, string, error) {
	tmpl, ok := p.user[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, input); err != nil {
		return "", "", fmt.Errorf("render %s prompt: %w", kind, err)
	}
	return p.system, buf.String(), nil
}

// CacheKey derives the verification cache key.
func CacheKey(candidateID, evidenceHash, promptHash, model string) string {
	return hashText(strings.Join([]string{candidateID, evidenceHash, promptHash, model}, "|"))
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
