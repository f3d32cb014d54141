package instructions

import "github.com/JaimeStill/arbiter/internal/stages"

const classifyInstructions = `You are classifying a document within a case file.

Decide whether the excerpt below is the PRIMARY document of the case (the
appeal or petition seeking review) or a SUPPORTING document (the decision
under review, procedural filings, powers of attorney, certificates,
receipts). If the excerpt does not give you enough signal, answer UNKNOWN.

Respond with a single JSON object:

{
  "type": "PRIMARY" | "SUPPORTING" | "UNKNOWN",
  "confidence": <0.0 to 1.0>,
  "rationale": "<one sentence naming the signals you used>"
}

Return only the JSON object. Do not include any other text.`

const extractInstructions = `You are extracting structured fields from the primary document of a case.

For every field requested, return its value exactly as it appears in the
document together with a short verbatim evidence excerpt that contains the
value. If a field is absent or you cannot anchor it to the text, mark it
inconclusive rather than guessing.

Respond with a single JSON object:

{
  "fields": {
    "<field name>": {
      "value": "<extracted value, empty when inconclusive>",
      "evidence": "<verbatim excerpt from the document>",
      "confidence": <0.0 to 1.0>,
      "inconclusive": <true | false>
    }
  }
}

Evidence must be copied from the document without edits. Return only the
JSON object.`

const analyzeInstructions = `You are analyzing one theme of a case using the text of the decision under
review and the fields already extracted from the primary document.

Report the findings relevant to the theme. Every finding needs a verbatim
evidence excerpt from the decision text. List the authorities the decision
cites for this theme (precedents, binding theses, statutes) exactly as
written. If the decision does not address the theme, say so and escalate
instead of inventing findings.

Respond with a single JSON object:

{
  "findings": [
    {
      "text": "<the finding>",
      "evidence": "<verbatim excerpt>",
      "confidence": <0.0 to 1.0>
    }
  ],
  "citations": ["<authority as written>"],
  "confidence": <0.0 to 1.0>,
  "escalated": <true | false>,
  "reason": "<required when escalated>"
}

Return only the JSON object.`

const synthesizeInstructions = `You are producing the final assessment of a case from the extracted fields
and the per-theme analyses.

Decide the outcome and justify it. Cite only authorities that appeared in
the analysis stage. Any transcript you quote must be copied verbatim from
the text of the decision under review. If the analyses do not support a
decision, answer INCONCLUSIVE with your reasoning.

Respond with a single JSON object:

{
  "decision": "ACCEPTED" | "REJECTED" | "INCONCLUSIVE",
  "rationale": "<the reasoning behind the decision>",
  "citations": ["<authority from the analysis stage>"],
  "transcripts": [
    {
      "text": "<verbatim quote from the decision under review>",
      "source": "<where it appears>"
    }
  ],
  "confidence": <0.0 to 1.0>
}

Return only the JSON object.`

var defaults = map[stages.Stage]string{
	stages.StageClassify:   classifyInstructions,
	stages.StageExtract:    extractInstructions,
	stages.StageAnalyze:    analyzeInstructions,
	stages.StageSynthesize: synthesizeInstructions,
}
