package cleaner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

type fakeCompleter struct {
	reply string
	err   error
	user  string
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.user = user
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("expected a deadline")
	}
	return f.reply, f.err
}

func TestCleanCollapsesWhitespace(t *testing.T) {
	fake := &fakeCompleter{reply: "\"CERTIFICATE OF\n\n  COMPLETION   Juan Dela Cruz\""}
	c := New(fake, time.Second, logger.NewNop())

	out, err := c.Clean(context.Background(), "CERTIFICATEOF COMPLETION JuanDela Cruz")
	require.NoError(t, err)
	assert.Equal(t, "CERTIFICATE OF COMPLETION Juan Dela Cruz", out)
	assert.Contains(t, fake.user, "CERTIFICATEOF COMPLETION")
}

func TestCleanKeepsInputOnFailure(t *testing.T) {
	tl := logger.NewTestLogger()
	fake := &fakeCompleter{err: errors.New("connection refused")}
	c := New(fake, time.Second, tl)

	out, err := c.Clean(context.Background(), "raw  text")
	require.NoError(t, err)
	assert.Equal(t, "raw  text", out)
	assert.Equal(t, 1, tl.Count("WARN", "cleanup failed"))
}

func TestCleanKeepsInputOnEmptyReply(t *testing.T) {
	fake := &fakeCompleter{reply: "  \n "}
	c := New(fake, time.Second, logger.NewNop())

	out, err := c.Clean(context.Background(), "raw text")
	require.NoError(t, err)
	assert.Equal(t, "raw text", out)
}

func TestCleanSkipsBlankInput(t *testing.T) {
	fake := &fakeCompleter{reply: "invented"}
	c := New(fake, time.Second, logger.NewNop())

	out, err := c.Clean(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, "   ", out)
	assert.Zero(t, fake.calls)
}

func TestSystemPromptKeepsNameRules(t *testing.T) {
	assert.True(t, strings.Contains(systemPrompt, `"J. /D. Cruz" -> "J. D. Cruz"`))
}
