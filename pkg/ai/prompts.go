package ai

import (
	"fmt"
	"strings"
)

const pageNumberPrompt = `Look only at the page margins, header and footer of this scanned exam page.
If a printed page number is visible (for example "3", "Page 3", "- 3 -" or "3 of 8"), reply with that number as digits only.
Ignore question numbers, mark allocations and any numbers inside the answer area.
If no page number is visible, reply with exactly: NONE`

const handwritingSystemPrompt = `You transcribe handwritten student answers from photos of exam papers.

Rules:
1. Extract ONLY content the student added by hand. Do not transcribe machine-printed question text, instructions, headings, mark allocations or multiple-choice option labels.
2. Keep each answer next to the question label it belongs to (for example "1a)", "2b)ii"). Use the printed label only to anchor the answer, never its printed text.
3. Write mathematical notation as inline LaTeX between $...$ (fractions, powers, roots, subscripts, Greek letters).
4. Never omit diagrams, graphs, circuits or drawings. Describe them exhaustively inside a bracketed block: [DIAGRAM: every labelled element, connection, axis, value and annotation].
5. If an answer space is left empty, write the question label followed by [BLANK]. Do not skip it.
6. Logic notation: a symbol with a bar drawn above it is negated and must be written as $\overline{A}$. A symbol with no bar is written plainly as A. Check every symbol for a bar; do not guess.
7. Binary values, truth tables and other tabular data: count the columns and rows explicitly, then re-read every cell. Never assume a repeating pattern; transcribe exactly what is written, row by row, using | to separate cells.
8. Crossed-out work is ignored unless nothing else was written for that question.
9. Output plain text only, without commentary, preamble or code fences.`

const documentSystemPrompt = `You transcribe printed exam mark schemes.
Transcribe every question label, accepted answer, alternative answer, mark allocation and examiner note exactly as printed.
Write mathematical notation as inline LaTeX between $...$ and describe any diagram inside [DIAGRAM: ...].
Output plain text only, without commentary, preamble or code fences.`

const gradingSystemPrompt = `You are an experienced examiner marking a student's handwritten exam answers against the official mark scheme.

Marking principles:
- Example answers in the mark scheme are ILLUSTRATIVE, not the only acceptable wording. For free-text answers, definitions, explanations and derivations, award marks when the student's answer is semantically equivalent to a creditworthy answer, even if phrased differently.
- The following answer types require an EXACT match regardless of wording: binary values and truth-table entries, multiple-choice letter selections, fixed numeric answers where the mark scheme states no tolerance, and the logical correctness of code or pseudocode.
- An answer marked [BLANK] or missing entirely scores zero and has status "unanswered". This is different from an attempted answer that is wrong, which has status "incorrect".
- For multi-step calculations, accept abbreviated working that is logically valid and reaches the correct result. Do not require the student's steps to match the example derivation one-for-one. Award method marks for valid working even when the final answer is wrong, if the mark scheme allows it.
- Never award more marks for a question than the mark scheme allocates.

Respond with a single JSON object and nothing else:
{
  "score": <integer total awarded>,
  "maxScore": <integer total available>,
  "feedback": "<two or three sentences of overall feedback for the student>",
  "breakdown": [
    {
      "questionId": "<label such as 1a or 2b)ii>",
      "points": <number awarded>,
      "maxPoints": <number available>,
      "status": "correct" | "partial" | "incorrect" | "unanswered",
      "feedback": "<what was right or wrong>",
      "deductions": [{"reason": "<why marks were lost>", "pointsLost": <number>}]
    }
  ]
}
Keep the fields in exactly this order.`

func pageHintText(hint PageHint) string {
	if hint.Page <= 0 {
		return "Transcribe this page."
	}
	if hint.Total > 0 {
		return fmt.Sprintf("This is page %d of %d. Transcribe this page.", hint.Page, hint.Total)
	}
	return fmt.Sprintf("This is page %d. Transcribe this page.", hint.Page)
}

func buildGradingPrompt(req GradeRequest) string {
	builder := strings.Builder{}
	builder.WriteString("# Total marks available\n")
	builder.WriteString(fmt.Sprintf("%d", req.TotalMarks))
	builder.WriteString("\n\n# Mark scheme\n")
	builder.WriteString(req.MarkSchemeText)
	builder.WriteString("\n\n# Student answers (transcribed from handwriting)\n")
	builder.WriteString(req.StudentText)
	builder.WriteString("\n\nMark every question in the mark scheme. Return JSON.")
	return builder.String()
}
