package history

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// codeHeavyFraction splits prose from code-like text. Above it the denser
// 3.5 chars/token ratio applies instead of 4.
const codeHeavyFraction = 0.25

var (
	// Encodings are expensive to build; share them across estimators.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

// Estimator approximates token usage for context-pressure decisions. It uses
// a tiktoken encoding when one loads for the model and falls back to a
// character-ratio heuristic otherwise. The thresholds it feeds are generous
// enough that an order-of-magnitude estimate suffices.
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

// NewEstimator builds an estimator for a model. Unknown models fall back to
// the cl100k_base encoding; if even that fails to load, the heuristic is
// used for every estimate.
func NewEstimator(model string) *Estimator {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &Estimator{encoding: enc}
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Estimator{}
		}
	}
	encodingCache[model] = enc
	return &Estimator{encoding: enc}
}

// EstimateText returns the approximate token count of one string.
func (e *Estimator) EstimateText(text string) int {
	if e != nil && e.encoding != nil {
		return len(e.encoding.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

// EstimateMessages sums the history's token usage, including a small
// per-message envelope overhead.
func (e *Estimator) EstimateMessages(messages []models.Message) int {
	const perMessageOverhead = 3
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += e.EstimateText(string(msg.Role))
		total += e.EstimateText(msg.Content)
		for _, call := range msg.ToolCalls {
			total += e.EstimateText(call.Name)
			total += e.EstimateText(string(call.Args))
		}
	}
	return total
}

// heuristicTokens divides character count by 4 for prose and 3.5 for
// code-heavy text, picked by the fraction of non-alphanumeric, non-space
// characters.
func heuristicTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := []rune(text)
	symbols := 0
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	ratio := 4.0
	if float64(symbols)/float64(len(runes)) > codeHeavyFraction {
		ratio = 3.5
	}
	return int(float64(len(text)) / ratio)
}
