package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/feichai0017/certificate-extractor/internal/agent/llm"
	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

const llmSystemPrompt = `You are a Document Entity Extraction Engine.
Your task is to parse messy OCR text of a certificate and return a cleaned JSON object.

CRITICAL RULES
1. OCR REPAIR: fix typos. "IRAINING" -> "TRAINING", "0Santiago" -> "Santiago", "Mani1a" -> "Manila".
2. SIGNATORIES (STRICT):
   - The person receiving the certificate is never a signatory.
   - Organizations are never signatories.
   - Keep honorifics such as "Dr.", "Engr.", "M.Sc." in the name.
   - "Ayin M. Tamondong, M.Sc. Project Leader" is the signatory "Ayin M. Tamondong, M.Sc." with the title "Project Leader".
3. MISSING VALUES: use "N/A" for a missing string and an empty list for a missing list.

JSON SCHEMA
{
  "TYPE": "Type of document (e.g., Certificate of Participation)",
  "AWARDEE": "Full name of the recipient",
  "ROLE": "Role of the awardee (e.g., Speaker, Participant)",
  "EVENT": "Name of the event (corrected spelling)",
  "DATE": "Date of the event",
  "LOCATION": "Venue or location",
  "SIGNATORIES": ["List of names (persons only)"],
  "SIGNATORY_TITLES": ["List of titles matching the signatories"]
}

Reply with the JSON object only.`

// LLM extracts fields by asking a chat model for a JSON object.
type LLM struct {
	completer llm.Completer
	schema    *jsonschema.Schema
	timeout   time.Duration
	logger    logger.Logger
}

func NewLLM(completer llm.Completer, timeout time.Duration, log logger.Logger) (*LLM, error) {
	schema, err := compileSchema(CandidateSchema())
	if err != nil {
		return nil, err
	}
	return &LLM{
		completer: completer,
		schema:    schema,
		timeout:   timeout,
		logger:    log.Named("llm-extractor"),
	}, nil
}

func (e *LLM) Name() string { return string(KindLLM) }

func (e *LLM) Extract(ctx context.Context, text string) (record.Candidates, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.completer.Complete(ctx, llmSystemPrompt, fmt.Sprintf("Raw OCR Text:\n%q", text))
	if err != nil {
		return nil, err
	}

	block, ok := extractJSONBlock(out)
	if !ok {
		e.logger.Error("Model answered without JSON", logger.String("raw", out))
		return nil, ErrNoJSON
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		e.logger.Error("Model answered with broken JSON", logger.Error(err), logger.String("raw", out))
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if err := e.schema.Validate(raw); err != nil {
		// the answer is still usable: malformed fields are dropped below
		e.logger.Warn("Model output does not match schema", logger.Error(err))
	}

	candidates := toCandidates(raw, e.logger)
	e.logger.Debug("Fields extracted",
		logger.Int("fields", len(candidates)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return candidates, nil
}
