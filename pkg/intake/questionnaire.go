// Package intake drives the multi-block questionnaire that collects the
// facts a petition is built from. Progress is keyed (user_id, case_id) and
// every answer lands in semantic memory, tagged by block and question.
package intake

import (
	"strings"

	"github.com/petitionlabs/gavel/pkg/errors"
)

// Step is one question inside a block.
type Step struct {
	ID       string
	Prompt   string
	Hint     string
	Category string
	Required bool
}

// Block is an ordered group of steps.
type Block struct {
	ID    string
	Title string
	Steps []Step
}

// Questionnaire is the ordered block list for one case category.
type Questionnaire struct {
	Category string
	Title    string
	Blocks   []Block
}

// TotalSteps counts every step across blocks.
func (q Questionnaire) TotalSteps() int {
	n := 0
	for _, b := range q.Blocks {
		n += len(b.Steps)
	}
	return n
}

func (q Questionnaire) blockIndex(id string) int {
	for i, b := range q.Blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// stepsBefore counts the steps in blocks preceding the given one.
func (q Questionnaire) stepsBefore(blockID string) int {
	n := 0
	for _, b := range q.Blocks {
		if b.ID == blockID {
			return n
		}
		n += len(b.Steps)
	}
	return n
}

var basicInfoBlock = Block{
	ID:    "basic_info",
	Title: "Basic information",
	Steps: []Step{
		{ID: "name", Prompt: "What is your full legal name?", Required: true, Category: "identity"},
		{ID: "country", Prompt: "What is your country of citizenship?", Required: true, Category: "identity"},
		{ID: "field", Prompt: "What is your field of expertise?", Required: true, Category: "profile"},
		{ID: "current_role", Prompt: "What is your current position and employer?", Hint: "Title, organization, and start date.", Category: "profile"},
	},
}

var questionnaires = map[string]Questionnaire{
	"eb1a": {
		Category: "eb1a",
		Title:    "EB-1A Extraordinary Ability",
		Blocks: []Block{
			basicInfoBlock,
			{
				ID:    "acclaim",
				Title: "Sustained acclaim",
				Steps: []Step{
					{ID: "awards", Prompt: "List nationally or internationally recognized prizes or awards you have received.", Required: true, Category: "evidence"},
					{ID: "memberships", Prompt: "List memberships in associations that require outstanding achievement.", Category: "evidence"},
					{ID: "press", Prompt: "Describe published material about you in professional or major trade publications.", Category: "evidence"},
				},
			},
			{
				ID:    "contributions",
				Title: "Original contributions",
				Steps: []Step{
					{ID: "contributions", Prompt: "Describe your original contributions of major significance to the field.", Required: true, Category: "evidence"},
					{ID: "publications", Prompt: "List your scholarly articles and where they appeared.", Category: "evidence"},
					{ID: "judging", Prompt: "Describe occasions where you judged the work of others in your field.", Category: "evidence"},
					{ID: "salary", Prompt: "Provide evidence of a high salary relative to others in the field.", Hint: "Offer letters, tax records, or industry surveys.", Category: "evidence"},
				},
			},
		},
	},
	"o1": {
		Category: "o1",
		Title:    "O-1 Extraordinary Ability",
		Blocks: []Block{
			basicInfoBlock,
			{
				ID:    "engagement",
				Title: "US engagement",
				Steps: []Step{
					{ID: "petitioner", Prompt: "Who is the US petitioner or agent filing on your behalf?", Required: true, Category: "engagement"},
					{ID: "itinerary", Prompt: "Describe the events or activities planned during the requested period.", Required: true, Category: "engagement"},
					{ID: "consultation", Prompt: "Which peer group or labor organization will provide the advisory opinion?", Category: "engagement"},
				},
			},
		},
	},
	"general": {
		Category: "general",
		Title:    "General Intake",
		Blocks: []Block{
			basicInfoBlock,
			{
				ID:    "background",
				Title: "Background",
				Steps: []Step{
					{ID: "goal", Prompt: "What outcome are you hoping to achieve?", Required: true, Category: "profile"},
					{ID: "timeline", Prompt: "Do you have a target filing date?", Category: "profile"},
				},
			},
		},
	},
}

// ForCategory resolves a questionnaire. The empty category maps to general.
func ForCategory(category string) (Questionnaire, error) {
	key := strings.ToLower(strings.TrimSpace(category))
	if key == "" {
		key = "general"
	}
	q, ok := questionnaires[key]
	if !ok {
		return Questionnaire{}, errors.Newf(errors.KindNotFound, "intake", "ForCategory",
			"no questionnaire for category %q", category)
	}
	return q, nil
}
