// Package compose turns raw operator input into the payloads the agent
// runtime consumes: it expands @path image references into content
// blocks and assembles the per-turn query options from project config,
// session state, and environment.
package compose

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/bridle-dev/bridle/internal/common/logger"
	"github.com/bridle-dev/bridle/pkg/agentsdk"
)

// ImageError records one reference that could not be loaded. Failures
// are surfaced to the operator but never abort the send on their own.
type ImageError struct {
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

// BuildResult is the outcome of expanding one raw user message.
type BuildResult struct {
	ContentBlocks []agentsdk.ContentBlock
	ProcessedText string
	Images        []LoadedImage
	Errors        []ImageError
}

// whitespaceRun collapses the gaps left behind by removed image tokens.
var whitespaceRun = regexp.MustCompile(`\s+`)

// Builder expands user messages and assembles query options.
type Builder struct {
	logger *logger.Logger
}

// NewBuilder creates a message builder.
func NewBuilder(log *logger.Logger) *Builder {
	return &Builder{
		logger: log.WithFields(zap.String("component", "message-builder")),
	}
}

// BuildStreamMessage expands @path image references in text into inline
// image blocks. The returned blocks hold one text block with the
// reference tokens stripped, followed by the loaded images in appearance
// order. The text block is omitted only when the stripped text is empty
// and at least one image loaded. References that fail to load are
// reported in Errors and otherwise ignored.
func (b *Builder) BuildStreamMessage(text string) BuildResult {
	refs := ParseImageReferences(text)

	result := BuildResult{ProcessedText: text}
	for _, ref := range refs {
		img, err := LoadImage(ref.Path)
		if err != nil {
			b.logger.Warn("Failed to load image reference",
				zap.String("reference", ref.Token),
				zap.Error(err))
			result.Errors = append(result.Errors, ImageError{
				Reference: ref.Token,
				Message:   err.Error(),
			})
			continue
		}
		img.Reference = ref.Token
		result.Images = append(result.Images, img)
	}

	if len(refs) > 0 {
		result.ProcessedText = stripImageTokens(text)
	}

	if result.ProcessedText != "" || len(result.Images) == 0 {
		result.ContentBlocks = append(result.ContentBlocks, agentsdk.TextBlock(result.ProcessedText))
	}
	for _, img := range result.Images {
		result.ContentBlocks = append(result.ContentBlocks, agentsdk.ImageBlock(img.MediaType, img.Data))
	}

	return result
}

// stripImageTokens removes recognized reference tokens by position and
// collapses the whitespace they leave behind.
func stripImageTokens(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range imageRefPattern.FindAllStringIndex(text, -1) {
		if !startsToken(text, loc[0]) {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(" ")
		last = loc[1]
	}
	b.WriteString(text[last:])
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(b.String(), " "))
}
