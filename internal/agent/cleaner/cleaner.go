// Package cleaner repairs OCR text with a chat model before normalization.
package cleaner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/feichai0017/certificate-extractor/internal/agent/llm"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

const systemPrompt = `You are an expert OCR post-processing assistant for English and Tagalog text.
Your task is to correct spelling errors, fix broken words, and repair grammar.

RULES:
1. NO SUMMARIZATION: keep every detail. "Pursuant to Resolution No. 748-2024" stays exactly like that.
2. LANGUAGE SAFETY: do not translate Filipino words. Keep "Unibersidad ng Pilipinas", "Gawad", "Pagkilala" as written.
3. FIX SPACING AND TYPOS:
   - Run-together words: "CERTIFICATEOF" -> "CERTIFICATE OF", "FORAPPLIED" -> "FOR APPLIED".
   - OCR typos: "TRATNING" -> "TRAINING", "Balinaa" -> "Bolinao", "succesofully" -> "successfully".
4. PRESERVE DATES AND LOCATIONS: when a certificate has several dates and venues, keep each date with its venue.
5. RESTRUCTURE the text in certificate order: organization, certificate title, awardee, event details, date and location, then signatories with their titles ("John Doe. Director.").
6. FIX ARTIFACTS: remove stray letters and broken lines left by logos.
7. NAME CLEANING: remove slashes, underscores, commas or dots inside a name.
   - "Wenifel /SPochero" -> "Wenifel S. Pochero"
   - "EULOGIO /S.LABAO" -> "Eulogio S. Labao"
   - "J. /D. Cruz" -> "J. D. Cruz"
8. NAME FORMATTING: use Title Case for names and fix spacing, "DrWinifelP. Carmina" -> "Dr. Winifel P. Carmina".
9. DO NOT DUPLICATE names or details.

Reply with the corrected text only.`

// LLM is a pipeline.Cleaner backed by a chat model. Any failure of the model
// leaves the text untouched.
type LLM struct {
	completer llm.Completer
	timeout   time.Duration
	logger    logger.Logger
}

func New(completer llm.Completer, timeout time.Duration, log logger.Logger) *LLM {
	return &LLM{completer: completer, timeout: timeout, logger: log.Named("cleaner")}
}

func (c *LLM) Name() string { return "llm-cleaner" }

func (c *LLM) Clean(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.completer.Complete(ctx, systemPrompt, fmt.Sprintf("Raw Text:\n%q", text))
	if err != nil {
		c.logger.Warn("Text cleanup failed, keeping recognized text",
			logger.Error(err),
			logger.Duration("elapsed", time.Since(start)),
		)
		return text, nil
	}

	cleaned := collapse(strings.Trim(strings.TrimSpace(out), `"`))
	if cleaned == "" {
		c.logger.Warn("Text cleanup returned nothing, keeping recognized text")
		return text, nil
	}
	c.logger.Debug("Text cleaned",
		logger.Int("in_chars", len(text)),
		logger.Int("out_chars", len(cleaned)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return cleaned, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
