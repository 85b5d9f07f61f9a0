package render

import (
	"strings"
	"testing"

	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLRendersMarkdown(t *testing.T) {
	r := New()

	out, err := r.HTML("You may be experiencing **anxiety**.\n\n- sleep\n- breathing")
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>anxiety</strong>")
	assert.Contains(t, out, "<li>sleep</li>")
}

func TestHTMLStripsScripts(t *testing.T) {
	r := New()

	out, err := r.HTML("hello <script>alert(1)</script> <img src=x onerror=alert(1)>")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script")
	assert.NotContains(t, out, "onerror")
}

func TestHTMLLinksAreNoFollow(t *testing.T) {
	r := New()

	out, err := r.HTML("[help](https://example.org/support)")
	require.NoError(t, err)
	assert.Contains(t, out, "nofollow")
	assert.Contains(t, out, `target="_blank"`)
}

func TestHTMLOrEscapedPlainText(t *testing.T) {
	out := New().HTMLOrEscaped("How long have you felt this way?")
	assert.Equal(t, "<p>How long have you felt this way?</p>", strings.TrimSpace(out))
}

func TestSnapshotRendersOnlyBotMessages(t *testing.T) {
	snap := domain.Snapshot{
		ID:    "s1",
		Phase: domain.PhaseComplete,
		Messages: []domain.Message{
			{ID: "m1", Seq: 1, Text: "**not markdown**", Sender: domain.SenderUser},
			{ID: "m2", Seq: 2, Text: "*calm*", Sender: domain.SenderBot},
		},
	}

	v := New().Snapshot(snap)
	require.Len(t, v.Messages, 2)
	assert.True(t, v.Closed)
	assert.Empty(t, v.Messages[0].HTML)
	assert.Contains(t, v.Messages[1].HTML, "<em>calm</em>")
}
