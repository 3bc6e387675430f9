package models

const (
	// CitationRegex matches [1], [1, 2] and [Source 3] style markers.
	CitationRegex = `\[(?:[Ss]ources?\s*)?(\d+(?:\s*,\s*\d+)*)\]`
	// NumberRegex matches numeric claims: money, percentages, grouped digits and decimals.
	NumberRegex = `[$€£]?\d[\d,]*(?:\.\d+)?(?:\s?(?:%|percent\b|million\b|billion\b|bn\b|[kKmM]\b))?`
	// YearRegex matches a plausible calendar year.
	YearRegex = `\b(19[5-9]\d|20\d\d)\b`

	NoAnswerText = "I could not find information about this in the available documents."
)

var (
	AnswerSystemPrompt = `You are a knowledge assistant that answers strictly from the numbered sources provided.

Rules:
1. Every sentence that states a fact, number, amount, percentage or date MUST end with a citation marker such as [1] or [2, 3] pointing to the numbered source that supports it.
2. If no source supports a statement, leave the statement out.
3. If none of the sources address the question, reply exactly: "` + NoAnswerText + `"
4. Do not use outside knowledge. Do not invent numbers, names or dates.
5. Keep the answer concise.`

	AnswerUserTemplate = `Sources:
%s
Question: %s

Answer with inline citations:`

	SourceTemplate = "[%d] %s (relevance %.2f)\n%s\n"

	RerankPromptTemplate = `Rate how relevant the passage is to the query.

Query: %s

Passage:
%s

Reply with a single number between 0 and 1 where 1 means the passage directly answers the query and 0 means it is unrelated.

Score:`
)
