package conversation

import (
	"fmt"
	"strings"

	"github.com/karenhq/karen/api/schemas"
)

const defaultSystemPrompt = `You are Karen, a customer service automation assistant. You help customers
resolve issues with companies by gathering the facts of their complaint and
then driving the company's support site on their behalf. Be concise, warm, and
concrete. Never invent order details the customer did not provide.`

const initialExtractionPrompt = `A customer just opened a support conversation with this message:

%s

Identify the complaint. Respond with JSON only:
{"issue": "<short issue summary>", "service": "<company name, lowercase, or empty if unclear>", "keyDetails": {<any concrete facts as key/value strings>}}`

const gatherExtractionPrompt = `You are gathering facts for a customer support case.
Issue: %s
Service: %s
Known facts so far: %s

The customer's latest message:
%s

Extract any new structured facts. Respond with JSON only, for example:
{"orderNumber": "...", "orderDate": "...", "reason": "...", "email": "...", "hasEnoughInfo": true|false}
Include "hasEnoughInfo": true only when the facts now cover everything needed
to act on the issue. Omit keys the message does not support.`

const sufficiencyPrompt = `For a customer support case about "%s" with %s, the facts gathered so far are:
%s

Is this enough information to start resolving the issue on the company's
support site? Respond with JSON only:
{"sufficient": true|false, "missing": ["<fact still needed>", ...]}`

const planPrompt = `Create a short step-by-step plan to resolve this customer issue by driving
the company's support website.
Issue: %s
Service: %s
Facts: %s

Keep it to 3-5 numbered steps of plain text. No code, no selectors.`

const followUpPrompt = `The automated support task for this conversation has finished. Answer the
customer's follow-up question using only the recent conversation context.
Do not restart any automation.`

// initialExtraction is the structured signal expected from the first-message
// classification.
type initialExtraction struct {
	Issue      string                `json:"issue"`
	Service    string                `json:"service"`
	KeyDetails schemas.ExtractedInfo `json:"keyDetails"`
}

// sufficiencySignal is the structured answer to the "enough info?" question.
type sufficiencySignal struct {
	Sufficient bool     `json:"sufficient"`
	Missing    []string `json:"missing"`
}

// factSignals carries the control flags that ride along with extracted facts.
type factSignals struct {
	HasEnoughInfo bool `json:"hasEnoughInfo"`
}

// controlKeys are fields of the extraction payload that are signals, not
// customer facts. They must not leak into the accumulator.
var controlKeys = []string{"hasEnoughInfo", "sufficient", "missing"}

func stripControlKeys(info *schemas.ExtractedInfo) {
	for _, key := range controlKeys {
		delete(info.Additional, key)
	}
}

// summarizeFacts renders the accumulator for prompt embedding.
func summarizeFacts(info schemas.ExtractedInfo) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	add("orderNumber", info.OrderNumber)
	add("orderDate", info.OrderDate)
	add("reason", info.Reason)
	add("accountType", info.AccountType)
	add("signupMethod", info.SignupMethod)
	add("email", info.Email)
	add("amount", info.Amount)
	for k, v := range info.Additional {
		add(k, v)
	}
	if len(parts) == 0 {
		return "(none yet)"
	}
	return strings.Join(parts, ", ")
}
