package styles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/digkill/restyle/internal/models"
)

type Style struct {
	Key    string `json:"key"`
	Title  string `json:"title"`
	Prompt string `json:"-"`
}

// Catalog maps style keys to provider prompts.
type Catalog struct {
	styles map[string]Style
}

func NewCatalog(list ...Style) *Catalog {
	c := &Catalog{styles: make(map[string]Style, len(list))}
	for _, s := range list {
		c.styles[s.Key] = s
	}
	return c
}

// Default is the built-in set shipped with the service.
func Default() *Catalog {
	return NewCatalog(
		Style{Key: "anime", Title: "Anime", Prompt: "Redraw this photo as a clean anime illustration, keep the person's pose and identity"},
		Style{Key: "watercolor", Title: "Watercolor", Prompt: "Repaint this photo as a soft watercolor painting with visible paper texture"},
		Style{Key: "pixar", Title: "3D Cartoon", Prompt: "Turn the subject into a 3D animated movie character with expressive lighting"},
		Style{Key: "oil", Title: "Oil painting", Prompt: "Repaint this photo as a classical oil painting with rich brush strokes"},
		Style{Key: "comic", Title: "Comic", Prompt: "Redraw this photo as a bold comic book panel with ink outlines and halftone shading"},
		Style{Key: "sketch", Title: "Pencil sketch", Prompt: "Redraw this photo as a detailed graphite pencil sketch"},
		Style{Key: "custom", Title: "Custom", Prompt: ""},
	)
}

func (c *Catalog) Lookup(key string) (Style, bool) {
	s, ok := c.styles[strings.TrimSpace(key)]
	return s, ok
}

// Prompt builds the provider prompt for a style plus the optional user prompt.
// The custom style has no base prompt and requires one from the user.
func (c *Catalog) Prompt(key, userPrompt string) (string, error) {
	s, ok := c.Lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownStyle, key)
	}
	userPrompt = strings.TrimSpace(userPrompt)
	switch {
	case s.Prompt == "" && userPrompt == "":
		return "", fmt.Errorf("%w: style %q requires a prompt", models.ErrInvalidRequest, key)
	case s.Prompt == "":
		return userPrompt, nil
	case userPrompt == "":
		return s.Prompt, nil
	default:
		return s.Prompt + ". " + userPrompt, nil
	}
}

func (c *Catalog) List() []Style {
	out := make([]Style, 0, len(c.styles))
	for _, s := range c.styles {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
