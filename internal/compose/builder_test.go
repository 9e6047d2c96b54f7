package compose

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestBuildStreamMessage_PlainText(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage("fix the race in the store")

	require.Len(t, result.ContentBlocks, 1)
	assert.Equal(t, agentsdk.TextBlock("fix the race in the store"), result.ContentBlocks[0])
	assert.Equal(t, "fix the race in the store", result.ProcessedText)
	assert.Empty(t, result.Images)
	assert.Empty(t, result.Errors)
}

func TestBuildStreamMessage_EmptyInput(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage("")

	require.Len(t, result.ContentBlocks, 1)
	assert.Equal(t, agentsdk.TextBlock(""), result.ContentBlocks[0])
	assert.Empty(t, result.Images)
}

func TestBuildStreamMessage_WhitespaceOnlyPreserved(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage("  \n\t ")

	require.Len(t, result.ContentBlocks, 1)
	assert.Equal(t, agentsdk.TextBlock("  \n\t "), result.ContentBlocks[0])
	assert.Equal(t, "  \n\t ", result.ProcessedText)
}

func TestBuildStreamMessage_WithImage(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "shot.png", 1, 1)
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage(fmt.Sprintf("look at @%s please", path))

	require.Len(t, result.ContentBlocks, 2)
	assert.Equal(t, agentsdk.BlockTypeText, result.ContentBlocks[0].Type)
	assert.Equal(t, "look at please", result.ContentBlocks[0].Text)
	assert.Equal(t, agentsdk.BlockTypeImage, result.ContentBlocks[1].Type)
	require.NotNil(t, result.ContentBlocks[1].Source)
	assert.Equal(t, "image/png", result.ContentBlocks[1].Source.MediaType)
	assert.NotEmpty(t, result.ContentBlocks[1].Source.Data)

	assert.Equal(t, "look at please", result.ProcessedText)
	require.Len(t, result.Images, 1)
	assert.Equal(t, "@"+path, result.Images[0].Reference)
	assert.Empty(t, result.Errors)
}

func TestBuildStreamMessage_ImageOnlyOmitsTextBlock(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "only.png", 1, 1)
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage("@" + path)

	require.Len(t, result.ContentBlocks, 1)
	assert.Equal(t, agentsdk.BlockTypeImage, result.ContentBlocks[0].Type)
	assert.Equal(t, "", result.ProcessedText)
}

func TestBuildStreamMessage_ImagesKeepAppearanceOrder(t *testing.T) {
	dir := t.TempDir()
	pngPath := writePNG(t, dir, "a.png", 1, 1)
	gifPath := writeGIF(t, dir, "b.gif")
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage(fmt.Sprintf("compare @%s with @%s", pngPath, gifPath))

	require.Len(t, result.ContentBlocks, 3)
	assert.Equal(t, agentsdk.BlockTypeText, result.ContentBlocks[0].Type)
	assert.Equal(t, "image/png", result.ContentBlocks[1].Source.MediaType)
	assert.Equal(t, "image/gif", result.ContentBlocks[2].Source.MediaType)
	assert.Equal(t, "compare with", result.ProcessedText)
}

func TestBuildStreamMessage_FailedImageReported(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage("@/definitely/missing.png fix this")

	require.Len(t, result.ContentBlocks, 1)
	assert.Equal(t, agentsdk.TextBlock("fix this"), result.ContentBlocks[0])
	assert.Empty(t, result.Images)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "@/definitely/missing.png", result.Errors[0].Reference)
	assert.NotEmpty(t, result.Errors[0].Message)
}

func TestBuildStreamMessage_AllImagesFailKeepsEmptyTextBlock(t *testing.T) {
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage("@/missing/a.png @/missing/b.png")

	require.Len(t, result.ContentBlocks, 1)
	assert.Equal(t, agentsdk.TextBlock(""), result.ContentBlocks[0])
	assert.Len(t, result.Errors, 2)
}

func TestBuildStreamMessage_MixedSuccessAndFailure(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "good.png", 1, 1)
	b := NewBuilder(newTestLogger(t))

	result := b.BuildStreamMessage(fmt.Sprintf("@/missing.png @%s done", path))

	require.Len(t, result.ContentBlocks, 2)
	assert.Equal(t, agentsdk.TextBlock("done"), result.ContentBlocks[0])
	assert.Equal(t, agentsdk.BlockTypeImage, result.ContentBlocks[1].Type)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "@/missing.png", result.Errors[0].Reference)
}

func TestStripImageTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"token in the middle", "a @x.png b", "a b"},
		{"token at both ends", "@x.png middle @y.png", "middle"},
		{"email survives", "mail bob@example.com now", "mail bob@example.com now"},
		{"overlapping token names", "@a.png @a.png2", ""},
		{"collapses interior runs", "a  @x.png   b", "a b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripImageTokens(tt.text))
		})
	}
}
