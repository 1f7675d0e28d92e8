package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/registry"

	"github.com/gabriel-vasile/mimetype"
)

// Classifier maps sample content to a decompiler identifier.
type Classifier struct {
	families []registry.Config
}

func New(r registry.Registry) Classifier {
	return Classifier{families: r.Configs()}
}

// Classify sniffs the media type of b and returns the identifier of the first
// family containing it. ErrUnsupportedContent is returned when none does.
func (c Classifier) Classify(ctx context.Context, b []byte) (string, error) {
	detected := mimetype.Detect(b)
	for _, family := range c.families {
		if matches(detected, family.MIMETypes) {
			slog.DebugContext(ctx, "content classified",
				"mime", detected.String(),
				"identifier", family.Identifier)
			return family.Identifier, nil
		}
	}
	return "", fmt.Errorf("media type %s: %w", detected.String(), model.ErrUnsupportedContent)
}

// matches reports exact membership of the detected type, aliases included.
// A family listing a generic type such as application/zip does not claim
// its specializations.
func matches(detected *mimetype.MIME, types []string) bool {
	for _, t := range types {
		if detected.Is(t) {
			return true
		}
	}
	return false
}
